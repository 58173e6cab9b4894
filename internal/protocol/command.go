package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleServer    Role = "server"
	RoleForwarder Role = "forwarder"
	RoleClient    Role = "client"

	// older device scripts tag forwarders this way
	roleIntermediate Role = "intermediate"
)

var (
	ErrUnknownRole    = errors.New("unknown role")
	ErrMissingField   = errors.New("missing required field")
	ErrMalformed      = errors.New("malformed command")
	ErrUnknownCommand = errors.New("unknown command type")
)

// UnknownRoleError carries the offending role tag. It matches ErrUnknownRole
// under errors.Is.
type UnknownRoleError struct {
	Role string
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown role %q", e.Role)
}

func (e *UnknownRoleError) Is(target error) bool {
	return target == ErrUnknownRole
}

// Command is one role assignment for one device. The implementations are
// ServerCommand, ForwarderCommand and ClientCommand.
type Command interface {
	Role() Role
	Target() string
	base() Base
}

type Base struct {
	DeviceID        string
	WirelessChannel int
	Region          string
	RequestID       string
}

func (b Base) Target() string { return b.DeviceID }
func (b Base) base() Base      { return b }

// ServerCommand turns the device into the measurement receiver.
type ServerCommand struct {
	Base
	ClientIP   string
	PreviousIP string
}

func (ServerCommand) Role() Role { return RoleServer }

// ForwarderCommand turns the device into a relay between PreviousIP and NextIP.
type ForwarderCommand struct {
	Base
	NextIP     string
	PreviousIP string
	ServerIP   string
	ClientIP   string
}

func (ForwarderCommand) Role() Role { return RoleForwarder }

// ClientCommand turns the device into the sender. An empty RoutingIP means
// the server is reached directly.
type ClientCommand struct {
	Base
	ServerIP  string
	RoutingIP string
}

func (ClientCommand) Role() Role { return RoleClient }

// Wire is the flat JSON form of a command, shared by the bus envelope and the
// HTTP command endpoints.
type Wire struct {
	DeviceID          string `json:"device_id,omitempty"`
	Role              Role   `json:"role"`
	WirelessChannel   int    `json:"wireless_channel"`
	Region            string `json:"region"`
	RequestID         string `json:"request_id,omitempty"`
	ClientIP          string `json:"ip_client,omitempty"`
	PreviousIP        string `json:"previous_ip,omitempty"`
	RoutingNextIP     string `json:"ip_routing_next,omitempty"`
	RoutingPreviousIP string `json:"ip_routing_previous,omitempty"`
	ServerIP          string `json:"ip_server,omitempty"`
	RoutingIP         string `json:"ip_routing,omitempty"`
}

type envelope struct {
	Value *Wire `json:"value"`
}

// ToWire flattens a command.
func ToWire(cmd Command) (Wire, error) {
	var w Wire
	switch c := cmd.(type) {
	case ServerCommand:
		w = Wire{ClientIP: c.ClientIP, PreviousIP: c.PreviousIP}
	case *ServerCommand:
		return ToWire(*c)
	case ForwarderCommand:
		w = Wire{
			RoutingNextIP:     c.NextIP,
			RoutingPreviousIP: c.PreviousIP,
			ServerIP:          c.ServerIP,
			ClientIP:          c.ClientIP,
		}
	case *ForwarderCommand:
		return ToWire(*c)
	case ClientCommand:
		w = Wire{ServerIP: c.ServerIP, RoutingIP: c.RoutingIP}
	case *ClientCommand:
		return ToWire(*c)
	default:
		return Wire{}, errors.Wrapf(ErrUnknownCommand, "%T", cmd)
	}
	b := cmd.base()
	w.Role = cmd.Role()
	w.DeviceID = b.DeviceID
	w.WirelessChannel = b.WirelessChannel
	w.Region = b.Region
	w.RequestID = b.RequestID
	return w, nil
}

// FromWire builds the typed command for w.Role and checks that the fields the
// role needs are present.
func FromWire(w Wire) (Command, error) {
	b := Base{
		DeviceID:        w.DeviceID,
		WirelessChannel: w.WirelessChannel,
		Region:          w.Region,
		RequestID:       w.RequestID,
	}
	switch w.Role {
	case RoleServer:
		if err := requireFields("ip_client", w.ClientIP, "previous_ip", w.PreviousIP); err != nil {
			return nil, err
		}
		return ServerCommand{Base: b, ClientIP: w.ClientIP, PreviousIP: w.PreviousIP}, nil
	case RoleForwarder, roleIntermediate:
		if err := requireFields(
			"ip_routing_next", w.RoutingNextIP,
			"ip_routing_previous", w.RoutingPreviousIP,
			"ip_server", w.ServerIP,
			"ip_client", w.ClientIP,
		); err != nil {
			return nil, err
		}
		return ForwarderCommand{
			Base:       b,
			NextIP:     w.RoutingNextIP,
			PreviousIP: w.RoutingPreviousIP,
			ServerIP:   w.ServerIP,
			ClientIP:   w.ClientIP,
		}, nil
	case RoleClient:
		if err := requireFields("ip_server", w.ServerIP); err != nil {
			return nil, err
		}
		return ClientCommand{Base: b, ServerIP: w.ServerIP, RoutingIP: w.RoutingIP}, nil
	default:
		return nil, &UnknownRoleError{Role: string(w.Role)}
	}
}

// requireFields takes name/value pairs and reports the first empty value.
func requireFields(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return errors.Wrap(ErrMissingField, pairs[i])
		}
	}
	return nil
}

// Encode renders cmd as the bus envelope {"value": {"role": ..., ...}}.
func Encode(cmd Command) ([]byte, error) {
	w, err := ToWire(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Value: &w})
}

// Decode parses a bus envelope back into a typed command.
func Decode(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if env.Value == nil {
		return nil, errors.Wrap(ErrMalformed, "missing value object")
	}
	return FromWire(*env.Value)
}
