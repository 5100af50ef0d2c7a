// Package proto defines the devctl wire protocol: JSON messages tagged with a
// "type" discriminator, exchanged as frames over a stream connection.
package proto

import (
	"encoding/json"
	"math"
	"time"
)

// Type discriminates messages on the wire.
type Type string

const (
	TypeAuthRequired              Type = "auth_required"
	TypeAuthSuccess               Type = "auth_success"
	TypeAuthFailure               Type = "auth_failure"
	TypeCommand                   Type = "cmd"
	TypeCommandResponse           Type = "cmd_response"
	TypeSystemInfo                Type = "system_info"
	TypeSystemInfoResponse        Type = "system_info_response"
	TypePing                      Type = "ping"
	TypePong                      Type = "pong"
	TypeActiveConnections         Type = "active_connections"
	TypeActiveConnectionsResponse Type = "active_connections_response"
)

// Status is the outcome of a command.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// AuthRequired is sent by the server to start the handshake.
type AuthRequired struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// NewAuthRequired returns the handshake greeting.
func NewAuthRequired() AuthRequired {
	return AuthRequired{Type: TypeAuthRequired, Message: "Please authenticate"}
}

// Credentials are sent by the client in reply to AuthRequired.
// They carry no type field.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResult concludes the handshake; Type is TypeAuthSuccess or TypeAuthFailure.
type AuthResult struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// NewAuthResult returns the handshake reply for ok.
func NewAuthResult(ok bool) AuthResult {
	if ok {
		return AuthResult{Type: TypeAuthSuccess, Message: "Authentication successful"}
	}
	return AuthResult{Type: TypeAuthFailure, Message: "Authentication failed"}
}

// Command asks the server to run a shell command.
type Command struct {
	Type    Type   `json:"type"`
	Command string `json:"command"`
}

// NewCommand returns a cmd request.
func NewCommand(command string) Command {
	return Command{Type: TypeCommand, Command: command}
}

// CommandResponse carries either Output (success) or Error (error).
type CommandResponse struct {
	Type   Type   `json:"type"`
	Status Status `json:"status"`
	Output string `json:"output"`
	Error  string `json:"error"`
}

// CommandSuccess returns a success response with output.
func CommandSuccess(output string) CommandResponse {
	return CommandResponse{Type: TypeCommandResponse, Status: StatusSuccess, Output: output}
}

// CommandFailure returns an error response.
func CommandFailure(err error) CommandResponse {
	return CommandResponse{Type: TypeCommandResponse, Status: StatusError, Error: err.Error()}
}

// MarshalJSON emits output for successful responses and error otherwise,
// never both.
func (r CommandResponse) MarshalJSON() ([]byte, error) {
	m := map[string]string{
		"type":   string(TypeCommandResponse),
		"status": string(r.Status),
	}
	if r.Status == StatusError {
		m["error"] = r.Error
	} else {
		m["output"] = r.Output
	}
	return json.Marshal(m)
}

// SystemInfo describes the server host.
type SystemInfo struct {
	Type      Type   `json:"type"`
	Hostname  string `json:"hostname"`
	Platform  string `json:"platform"`
	GoVersion string `json:"go_version"`
	Time      string `json:"time"`
	CPUUsage  string `json:"cpu_usage"`
}

// Pong replies to Ping. Timestamp is in fractional Unix seconds.
type Pong struct {
	Type      Type    `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

// NewPong returns a pong stamped with t.
func NewPong(t time.Time) Pong {
	return Pong{Type: TypePong, Timestamp: UnixSeconds(t)}
}

// Time converts the timestamp back into a time.Time.
func (p Pong) Time() time.Time {
	return time.UnixMicro(int64(math.Round(p.Timestamp * 1e6)))
}

// UnixSeconds returns t as fractional Unix seconds with microsecond precision.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// ActiveConnectionsResponse maps peer address to its session record.
// The value type is left to the caller so this package does not depend on
// the registry.
type ActiveConnectionsResponse[S any] struct {
	Type        Type         `json:"type"`
	Connections map[string]S `json:"connections"`
}

// Request is an empty request carrying only a type (ping, system_info,
// active_connections).
type Request struct {
	Type Type `json:"type"`
}

// TimeLayout is the layout used for human readable timestamps on the wire.
const TimeLayout = "2006-01-02 15:04:05"
