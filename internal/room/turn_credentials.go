// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_room

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"

	internal_signaling "github.com/baro-gochi/realtime-assist-agent-sub000/internal/signaling"
)

// vendTURNCredentials mints time-limited TURN credentials in the coturn
// use-auth-secret scheme: username is the expiry timestamp, credential is
// base64(HMAC-SHA1(secret, username)).
func vendTURNCredentials(urls []string, secret string, ttl time.Duration) (username, credential string, ok bool) {
	if len(urls) == 0 || secret == "" {
		return "", "", false
	}
	username = fmt.Sprintf("%d", time.Now().Add(ttl).Unix())
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, credential, true
}

// iceServers builds the per-join ICE server list for both the browser (via
// room_joined) and the server-side peer connection.
func iceServers(urls []string, secret string, ttl time.Duration) ([]pionwebrtc.ICEServer, []internal_signaling.ICEServerConfig) {
	username, credential, ok := vendTURNCredentials(urls, secret, ttl)
	if !ok {
		return nil, nil
	}
	pion := []pionwebrtc.ICEServer{{
		URLs:       urls,
		Username:   username,
		Credential: credential,
	}}
	wire := []internal_signaling.ICEServerConfig{{
		URLs:       urls,
		Username:   username,
		Credential: credential,
	}}
	return pion, wire
}
