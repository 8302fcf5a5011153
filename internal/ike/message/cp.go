package message

import (
	"encoding/binary"

	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/types"
)

type Configuration struct {
	ConfigurationType      uint8
	ConfigurationAttribute []*ConfigurationAttribute
}

type ConfigurationAttribute struct {
	Type  uint16
	Value []byte
}

func (c *Configuration) Type() types.PayloadType { return types.TypeCP }

func (c *Configuration) BuildAttribute(t uint16, value []byte) {
	c.ConfigurationAttribute = append(c.ConfigurationAttribute, &ConfigurationAttribute{Type: t, Value: value})
}

func (c *Configuration) AttributesOf(t uint16) [][]byte {
	var values [][]byte
	for _, a := range c.ConfigurationAttribute {
		if a.Type == t && len(a.Value) > 0 {
			values = append(values, a.Value)
		}
	}
	return values
}

func (c *Configuration) marshal() ([]byte, error) {
	b := make([]byte, 4)
	b[0] = c.ConfigurationType
	for _, a := range c.ConfigurationAttribute {
		ab := make([]byte, 4)
		binary.BigEndian.PutUint16(ab[0:2], a.Type&0x7FFF)
		binary.BigEndian.PutUint16(ab[2:4], uint16(len(a.Value)))
		b = append(b, ab...)
		b = append(b, a.Value...)
	}
	return b, nil
}

func (c *Configuration) unmarshal(b []byte) error {
	if len(b) < 4 {
		return ikeerr.InvalidSyntax("CP payload too short")
	}
	c.ConfigurationType = b[0]
	b = b[4:]
	for len(b) > 0 {
		if len(b) < 4 {
			return ikeerr.InvalidSyntax("CP attribute truncated")
		}
		a := &ConfigurationAttribute{Type: binary.BigEndian.Uint16(b[0:2]) & 0x7FFF}
		length := int(binary.BigEndian.Uint16(b[2:4]))
		if 4+length > len(b) {
			return ikeerr.InvalidSyntax("invalid CP attribute length %d", length)
		}
		a.Value = append([]byte(nil), b[4:4+length]...)
		c.ConfigurationAttribute = append(c.ConfigurationAttribute, a)
		b = b[4+length:]
	}
	return nil
}
