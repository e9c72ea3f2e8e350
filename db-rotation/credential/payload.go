package credential

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// ErrInvalidPayload is returned when stored secret content is not a usable credential.
var ErrInvalidPayload = errors.New("invalid credential payload")

// required keys of every stored version.
var requiredFields = []string{"host", "port", "dbname", "username", "password"}

var validate = validator.New()

// Payload is the database credential stored in every secret version.
//
// Fields the rotator does not know about are kept as raw JSON and written back
// untouched, so a version produced by WithPassword differs from its source only in
// the password.
type Payload struct {
	Host     string `validate:"required"`
	Port     int    `validate:"required,min=1,max=65535"`
	DBName   string `validate:"required"`
	Username string `validate:"required"`
	Password string `validate:"required"`
	// Engine is the optional "engine" field, empty means postgres.
	Engine string

	raw map[string]json.RawMessage
}

// Parse decodes and validates secret content.
func Parse(data []byte) (*Payload, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	for _, field := range requiredFields {
		if _, ok := raw[field]; !ok {
			return nil, fmt.Errorf("%w: %s not found in secret", ErrInvalidPayload, field)
		}
	}

	p := &Payload{raw: raw}
	if err := decodeString(raw, "host", &p.Host); err != nil {
		return nil, err
	}
	if err := decodeString(raw, "dbname", &p.DBName); err != nil {
		return nil, err
	}
	if err := decodeString(raw, "username", &p.Username); err != nil {
		return nil, err
	}
	if err := decodeString(raw, "password", &p.Password); err != nil {
		return nil, err
	}
	port, err := decodePort(raw["port"])
	if err != nil {
		return nil, err
	}
	p.Port = port
	if _, ok := raw["engine"]; ok {
		if err := decodeString(raw, "engine", &p.Engine); err != nil {
			return nil, err
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the typed fields.
func (p *Payload) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %q check", ErrInvalidPayload, strings.ToLower(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// WithPassword returns a copy of the payload carrying a new password. All other
// fields, known or not, keep their stored encoding.
func (p *Payload) WithPassword(password string) *Payload {
	next := *p
	next.Password = password
	next.raw = make(map[string]json.RawMessage, len(p.raw))
	for k, v := range p.raw {
		next.raw[k] = v
	}
	encoded, _ := json.Marshal(password)
	next.raw["password"] = encoded
	return &next
}

// Marshal encodes the payload as secret content.
func (p *Payload) Marshal() ([]byte, error) {
	if p.raw == nil {
		return json.Marshal(map[string]any{
			"host":     p.Host,
			"port":     p.Port,
			"dbname":   p.DBName,
			"username": p.Username,
			"password": p.Password,
		})
	}
	return json.Marshal(p.raw)
}

// Equal reports whether two payloads carry the same content.
func (p *Payload) Equal(other *Payload) bool {
	a, errA := p.Marshal()
	b, errB := other.Marshal()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// String never includes the password.
func (p *Payload) String() string {
	return fmt.Sprintf("%s@%s:%d/%s password=[REDACTED]", p.Username, p.Host, p.Port, p.DBName)
}

// MarshalZerologObject logs the connection parameters without the password.
func (p *Payload) MarshalZerologObject(e *zerolog.Event) {
	e.Str("host", p.Host).
		Int("port", p.Port).
		Str("dbname", p.DBName).
		Str("username", p.Username)
	if p.Engine != "" {
		e.Str("engine", p.Engine)
	}
}

func decodeString(raw map[string]json.RawMessage, field string, dst *string) error {
	if err := json.Unmarshal(raw[field], dst); err != nil {
		return fmt.Errorf("%w: %s must be a string", ErrInvalidPayload, field)
	}
	return nil
}

// decodePort accepts a JSON number or a numeric string; RDS-generated secrets use the
// former, hand-written ones often the latter.
func decodePort(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: port must be an integer", ErrInvalidPayload)
}
