// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_signaling

import (
	"encoding/json"
	"time"
)

// MessageType identifies a signaling message and the payload shape in Data.
type MessageType string

const (
	// Inbound (client -> server)
	TypeJoinRoom     MessageType = "join_room"     // Data: JoinRoomData
	TypeOffer        MessageType = "offer"         // Data: SDPData
	TypeICECandidate MessageType = "ice_candidate" // Data: ICECandidateData
	TypeLeaveRoom    MessageType = "leave_room"    // Data: empty
	TypeAgentTask    MessageType = "agent_task"    // Data: AgentTaskData
	TypeEndSession   MessageType = "end_session"   // Data: empty

	// Outbound (server -> client)
	TypePeerID              MessageType = "peer_id"              // Data: PeerIDData
	TypeRoomJoined          MessageType = "room_joined"          // Data: RoomJoinedData
	TypeUserJoined          MessageType = "user_joined"          // Data: UserEventData
	TypeUserLeft            MessageType = "user_left"            // Data: UserEventData
	TypeAnswer              MessageType = "answer"               // Data: SDPData
	TypeRenegotiationNeeded MessageType = "renegotiation_needed" // Data: RenegotiationData
	TypeTranscript          MessageType = "transcript"           // Data: TranscriptData
	TypeAgentReady          MessageType = "agent_ready"          // Data: AgentReadyData
	TypeAgentUpdate         MessageType = "agent_update"         // Data: node payload; Node/TurnID set on envelope
	TypeAgentStatus         MessageType = "agent_status"         // Data: AgentStatusData
	TypeAgentConsultation   MessageType = "agent_consultation"   // Data: AgentConsultationData
	TypeSessionEnded        MessageType = "session_ended"        // Data: SessionEndedData
	TypeError               MessageType = "error"                // Data: ErrorData
)

// Envelope is the wire format of every signaling message. Node and TurnID
// are only populated on agent_update messages.
type Envelope struct {
	Type   MessageType     `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Node   string          `json:"node,omitempty"`
	TurnID string          `json:"turn_id,omitempty"`
}

// NewEnvelope marshals payload into an outbound envelope.
func NewEnvelope(t MessageType, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, Data: raw}, nil
}

// MustEnvelope is NewEnvelope for payloads that cannot fail to marshal
// (plain structs of strings/numbers). Marshal errors collapse to an empty
// data object rather than panicking in the signaling path.
func MustEnvelope(t MessageType, payload interface{}) *Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return &Envelope{Type: t, Data: json.RawMessage("{}")}
	}
	return env
}

// ============================================================================
// Inbound payloads
// ============================================================================

type JoinRoomData struct {
	RoomName    string `json:"room_name"`
	Nickname    string `json:"nickname"`
	PhoneNumber string `json:"phone_number,omitempty"`
	AgentCode   string `json:"agent_code,omitempty"`
}

// Role derives the peer role from the join payload: an agent_code marks the
// human counselor, everything else is a customer.
func (j JoinRoomData) Role() string {
	if j.AgentCode != "" {
		return RoleAgent
	}
	return RoleCustomer
}

const (
	RoleAgent    = "agent"
	RoleCustomer = "customer"
)

type SDPData struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// ICECandidateInit mirrors the browser RTCIceCandidateInit shape.
type ICECandidateInit struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ICECandidateData tolerates one level of nesting: browsers send either the
// candidate fields inline or wrapped under "candidate".
type ICECandidateData struct {
	ICECandidateInit
	Nested *ICECandidateInit `json:"-"`
}

// UnmarshalJSON unwraps `{"candidate": {"candidate": "...", ...}}` into the
// flat shape when the inner field is an object rather than a string.
func (d *ICECandidateData) UnmarshalJSON(b []byte) error {
	var probe struct {
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return err
	}
	if len(probe.Candidate) > 0 && probe.Candidate[0] == '{' {
		return json.Unmarshal(probe.Candidate, &d.ICECandidateInit)
	}
	return json.Unmarshal(b, &d.ICECandidateInit)
}

type AgentTaskData struct {
	Task        string                 `json:"task"`
	RoomName    string                 `json:"room_name"`
	UserOptions map[string]interface{} `json:"user_options,omitempty"`
}

// ============================================================================
// Outbound payloads
// ============================================================================

type PeerIDData struct {
	PeerID string `json:"peer_id"`
}

type PeerSummary struct {
	PeerID   string `json:"peer_id"`
	Nickname string `json:"nickname"`
	Role     string `json:"role"`
}

type ICEServerConfig struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type RoomJoinedData struct {
	RoomName            string                   `json:"room_name"`
	PeerCount           int                      `json:"peer_count"`
	OtherPeers          []PeerSummary            `json:"other_peers"`
	SessionID           string                   `json:"session_id"`
	ICEServers          []ICEServerConfig        `json:"ice_servers,omitempty"`
	CustomerInfo        map[string]interface{}   `json:"customer_info,omitempty"`
	ConsultationHistory []map[string]interface{} `json:"consultation_history,omitempty"`
}

type UserEventData struct {
	PeerID              string                   `json:"peer_id"`
	Nickname            string                   `json:"nickname"`
	PeerCount           int                      `json:"peer_count"`
	CustomerInfo        map[string]interface{}   `json:"customer_info,omitempty"`
	ConsultationHistory []map[string]interface{} `json:"consultation_history,omitempty"`
}

type RenegotiationData struct {
	Reason string `json:"reason"`
}

type TranscriptData struct {
	PeerID     string    `json:"peer_id"`
	Nickname   string    `json:"nickname"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	IsFinal    bool      `json:"is_final"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
}

type AgentReadyData struct {
	LLMAvailable bool `json:"llm_available"`
}

type AgentStatusData struct {
	Task    string `json:"task"`
	Status  string `json:"status"` // processing | done | error
	Message string `json:"message,omitempty"`
}

type AgentConsultationData struct {
	Guide           []string                 `json:"guide"`
	Recommendations []map[string]interface{} `json:"recommendations"`
	Citations       []string                 `json:"citations"`
	GeneratedAt     time.Time                `json:"generated_at"`
}

type SessionEndedData struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
}
