package emu

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"unicode"
)

// Device command names.
const (
	CmdGetDeviceInfo                = "get_device_info"
	CmdGetConnectionStatus          = "get_connection_status"
	CmdGetTime                      = "get_time"
	CmdGetCurrentPrice              = "get_current_price"
	CmdSetCurrentPrice              = "set_current_price"
	CmdGetCurrentSummationDelivered = "get_current_summation_delivered"
	CmdGetCurrentPeriodUsage        = "get_current_period_usage"
	CmdGetLastPeriodUsage           = "get_last_period_usage"
	CmdCloseCurrentPeriod           = "close_current_period"
	CmdRestart                      = "restart"
)

// Param is one command parameter. Order is preserved on the wire.
type Param struct {
	Name  string
	Value string
}

// Command is an outbound device request.
type Command struct {
	Name   string
	Params []Param
}

// NewCommand builds a Command.
func NewCommand(name string, params ...Param) Command {
	return Command{Name: name, Params: params}
}

// Encode renders the command in the device's wire format:
//
//	<Command><Name>get_time</Name></Command>
//
// followed by a newline. There is no XML declaration.
func (c Command) Encode() ([]byte, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("%w: empty command name", ErrEncoding)
	}

	var buf bytes.Buffer
	buf.WriteString("<Command>")
	if err := writeElement(&buf, "Name", c.Name); err != nil {
		return nil, err
	}
	for _, p := range c.Params {
		if !validElementName(p.Name) {
			return nil, fmt.Errorf("%w: invalid parameter name %q", ErrEncoding, p.Name)
		}
		if p.Name == "Name" {
			return nil, fmt.Errorf("%w: parameter may not be called Name", ErrEncoding)
		}
		if err := writeElement(&buf, p.Name, p.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteString("</Command>\n")
	return buf.Bytes(), nil
}

func writeElement(buf *bytes.Buffer, name, value string) error {
	buf.WriteByte('<')
	buf.WriteString(name)
	buf.WriteByte('>')
	if err := xml.EscapeText(buf, []byte(value)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrEncoding, name, err)
	}
	buf.WriteString("</")
	buf.WriteString(name)
	buf.WriteByte('>')
	return nil
}

// validElementName accepts the subset of XML names the device uses.
func validElementName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case unicode.IsLetter(r) || r == '_':
		case i > 0 && (unicode.IsDigit(r) || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}
