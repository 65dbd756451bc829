package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/samber/oops"
	"github.com/uole/burrow"
	"github.com/uole/burrow/internal/utils"
	"github.com/uole/burrow/pkg/codec"
	"github.com/uole/burrow/pkg/multiplex"
	"github.com/uole/burrow/pkg/unpacker"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "5s", "300ms" or "0".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "0" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return oops.Wrapf(err, "parse duration %q", s)
	}
	*d = Duration(v)
	return nil
}

type (
	Log struct {
		Level  string `json:"level" yaml:"level" toml:"level"`
		Format string `json:"format" yaml:"format" toml:"format"`
	}

	Backoff struct {
		Min    Duration `json:"min" yaml:"min" toml:"min"`
		Max    Duration `json:"max" yaml:"max" toml:"max"`
		Factor float64  `json:"factor" yaml:"factor" toml:"factor"`
		Jitter bool     `json:"jitter" yaml:"jitter" toml:"jitter"`
	}

	Server struct {
		Listen            string   `json:"listen" yaml:"listen" toml:"listen"`
		Transport         string   `json:"transport" yaml:"transport" toml:"transport"`
		Token             string   `json:"token" yaml:"token" toml:"token"`
		ReadTimeout       Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout"`
		MaxWaitTime       Duration `json:"max_wait_time" yaml:"max_wait_time" toml:"max_wait_time"`
		HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
		HeartbeatTimeout  Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
		Unpackers         []string `json:"unpackers" yaml:"unpackers" toml:"unpackers"`
		PeekCeiling       int      `json:"peek_ceiling" yaml:"peek_ceiling" toml:"peek_ceiling"`
		PeekTimeout       Duration `json:"peek_timeout" yaml:"peek_timeout" toml:"peek_timeout"`
		Codecs            []string `json:"codecs" yaml:"codecs" toml:"codecs"`
		Encrypt           bool     `json:"encrypt" yaml:"encrypt" toml:"encrypt"`
		AcceptRate        float64  `json:"accept_rate" yaml:"accept_rate" toml:"accept_rate"`
		AcceptBurst       int      `json:"accept_burst" yaml:"accept_burst" toml:"accept_burst"`
		API               string   `json:"api" yaml:"api" toml:"api"`
		Log               Log      `json:"log" yaml:"log" toml:"log"`
	}

	Client struct {
		Server            string   `json:"server" yaml:"server" toml:"server"`
		Transport         string   `json:"transport" yaml:"transport" toml:"transport"`
		Token             string   `json:"token" yaml:"token" toml:"token"`
		ClientID          string   `json:"client_id" yaml:"client_id" toml:"client_id"`
		Name              string   `json:"name" yaml:"name" toml:"name"`
		Bind              string   `json:"bind" yaml:"bind" toml:"bind"`
		Target            string   `json:"target" yaml:"target" toml:"target"`
		Codec             string   `json:"codec" yaml:"codec" toml:"codec"`
		Encrypt           bool     `json:"encrypt" yaml:"encrypt" toml:"encrypt"`
		ReadTimeout       Duration `json:"read_timeout" yaml:"read_timeout" toml:"read_timeout"`
		MaxWaitTime       Duration `json:"max_wait_time" yaml:"max_wait_time" toml:"max_wait_time"`
		HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
		HeartbeatTimeout  Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
		Backoff           Backoff  `json:"backoff" yaml:"backoff" toml:"backoff"`
		DialAttempts      uint     `json:"dial_attempts" yaml:"dial_attempts" toml:"dial_attempts"`
		Log               Log      `json:"log" yaml:"log" toml:"log"`
	}

	validator interface {
		Validate() error
	}
)

func DefaultLog() Log {
	return Log{Level: "info", Format: "text"}
}

func DefaultServer() *Server {
	return &Server{
		Listen:           "tcp://0.0.0.0:6722",
		Transport:        multiplex.TCP,
		MaxWaitTime:      Duration(burrow.DefaultMaxWaitTime),
		HeartbeatTimeout: Duration(burrow.DefaultHeartbeatTimeout),
		Unpackers:        []string{"socks5", "http", "normal"},
		PeekCeiling:      unpacker.DefaultCeiling,
		PeekTimeout:      Duration(unpacker.DefaultPeekTimeout),
		Codecs:           codec.Names(),
		Encrypt:          true,
		Log:              DefaultLog(),
	}
}

func DefaultClient() *Client {
	hostname, _ := os.Hostname()
	return &Client{
		Server:            "tcp://127.0.0.1:6722",
		Transport:         multiplex.TCP,
		Name:              hostname,
		Codec:             codec.NameNone,
		MaxWaitTime:       Duration(burrow.DefaultMaxWaitTime),
		HeartbeatInterval: Duration(burrow.DefaultHeartbeatInterval),
		HeartbeatTimeout:  Duration(burrow.DefaultHeartbeatTimeout),
		Backoff: Backoff{
			Min:    Duration(500 * time.Millisecond),
			Max:    Duration(30 * time.Second),
			Factor: 2,
			Jitter: true,
		},
		DialAttempts: 3,
		Log:          DefaultLog(),
	}
}

// Decode reads path into v over whatever defaults v already holds. The
// format follows the extension: .toml, .json, otherwise yaml.
func Decode(path string, v any) (err error) {
	var buf []byte
	if buf, err = os.ReadFile(path); err != nil {
		return oops.Wrapf(err, "read config")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(buf, v)
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(buf))
		dec.DisallowUnknownFields()
		err = dec.Decode(v)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(buf))
		dec.KnownFields(true)
		if err = dec.Decode(v); errors.Is(err, io.EOF) {
			err = nil
		}
	}
	if err != nil {
		return oops.Wrapf(err, "decode %s", path)
	}
	return nil
}

// Load decodes path and validates the result.
func Load(path string, v any) error {
	if err := Decode(path, v); err != nil {
		return err
	}
	if c, ok := v.(validator); ok {
		return c.Validate()
	}
	return nil
}

func validTransport(name string) error {
	for _, p := range multiplex.Protocols() {
		if p == name {
			return nil
		}
	}
	return oops.Wrapf(burrow.ErrUnknownTransport, "%q", name)
}

func validLog(l Log) error {
	switch l.Format {
	case "", "text", "json":
	default:
		return oops.Errorf("log format %q, want text or json", l.Format)
	}
	return nil
}

// Validate checks every field and decodes an "enc:" token in place.
func (c *Server) Validate() (err error) {
	if _, err = burrow.ParseSocket(c.Listen); err != nil {
		return oops.Wrapf(err, "listen")
	}
	if err = validTransport(c.Transport); err != nil {
		return
	}
	if c.Token, err = utils.RevealSecret(c.Token); err != nil {
		return oops.Wrapf(err, "token")
	}
	if _, err = unpacker.Build(c.Unpackers...); err != nil {
		return oops.Wrapf(err, "unpackers")
	}
	for _, name := range c.Codecs {
		if _, err = codec.Lookup(name); err != nil {
			return oops.Wrapf(err, "codecs")
		}
	}
	if c.ReadTimeout < 0 || c.MaxWaitTime < 0 || c.HeartbeatInterval < 0 || c.HeartbeatTimeout < 0 || c.PeekTimeout < 0 {
		return oops.Errorf("timeouts must not be negative")
	}
	if c.PeekCeiling < 0 || c.AcceptRate < 0 || c.AcceptBurst < 0 {
		return oops.Errorf("peek_ceiling, accept_rate and accept_burst must not be negative")
	}
	return validLog(c.Log)
}

func (c *Client) Validate() (err error) {
	if _, err = burrow.ParseSocket(c.Server); err != nil {
		return oops.Wrapf(err, "server")
	}
	if err = validTransport(c.Transport); err != nil {
		return
	}
	if c.Token, err = utils.RevealSecret(c.Token); err != nil {
		return oops.Wrapf(err, "token")
	}
	if _, err = burrow.ParseSocket(c.Bind); err != nil {
		return oops.Wrapf(err, "bind")
	}
	if c.Target != "" {
		if _, err = burrow.ParseSocket(c.Target); err != nil {
			return oops.Wrapf(err, "target")
		}
	}
	if _, err = codec.Lookup(c.Codec); err != nil {
		return oops.Wrapf(err, "codec")
	}
	if c.ReadTimeout < 0 || c.MaxWaitTime < 0 || c.HeartbeatInterval < 0 || c.HeartbeatTimeout < 0 {
		return oops.Errorf("timeouts must not be negative")
	}
	if c.Backoff.Min > c.Backoff.Max && c.Backoff.Max > 0 {
		return oops.Errorf("backoff min %s above max %s", c.Backoff.Min.Std(), c.Backoff.Max.Std())
	}
	return validLog(c.Log)
}
