package types

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// MatchMode selects how a rule pattern is compared against a request path.
type MatchMode uint8

const (
	// Exact matches only a path of identical bytes.
	Exact MatchMode = iota
	// PrefixNoAppend matches a path that strictly extends the pattern and
	// redirects to the rule target as is.
	PrefixNoAppend
	// PrefixAppend matches like PrefixNoAppend and appends the remainder of
	// the path to the rule target.
	PrefixAppend
)

var matchModeNames = [...]string{
	Exact:          "exact",
	PrefixNoAppend: "prefix",
	PrefixAppend:   "prefix-append",
}

func (m MatchMode) String() string {
	if int(m) < len(matchModeNames) {
		return matchModeNames[m]
	}
	return fmt.Sprintf("MatchMode(%d)", m)
}

// ParseMatchMode is the inverse of MatchMode.String.
func ParseMatchMode(s string) (MatchMode, error) {
	for i, name := range matchModeNames {
		if strings.EqualFold(s, name) {
			return MatchMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown match mode %q", s)
}

func (m MatchMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *MatchMode) UnmarshalText(b []byte) error {
	v, err := ParseMatchMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// RuleSpec is the configured form of a path rule, before validation.
type RuleSpec struct {
	Mode    MatchMode `json:"mode"`
	Pattern string    `json:"pattern"`
	Target  string    `json:"target"`
}

type IPDetails struct {
	TTL       int    `json:"ttl,omitempty" bson:"ttl,omitempty"`
	IPVersion int    `json:"ip_version,omitempty" bson:"ip_version,omitempty"`
	DstIP     string `json:"dst_ip,omitempty" bson:"-"`
	SrcIP     string `json:"src_ip,omitempty" bson:"-"`
}

type TCPDetails struct {
	MSS          int    `json:"mss,omitempty" bson:"mss,omitempty"`
	Window       int    `json:"window,omitempty" bson:"window,omitempty"`
	WindowScale  int    `json:"window_scale,omitempty" bson:"window_scale,omitempty"`
	Options      string `json:"options,omitempty" bson:"options,omitempty"`
	OptionsOrder string `json:"options_order,omitempty" bson:"options_order,omitempty"`
}

// TCPIPDetails is what the passive sniffer learns about a peer from its SYN.
type TCPIPDetails struct {
	SrcPort int        `json:"src_port,omitempty" bson:"-"`
	DstPort int        `json:"dst_port,omitempty" bson:"-"`
	IP      IPDetails  `json:"ip" bson:"ip"`
	TCP     TCPDetails `json:"tcp" bson:"tcp"`
	// Seen is the capture time in unix seconds.
	Seen int64 `json:"-" bson:"-"`
}

// RequestLog is one completed redirect as stored by the access log sinks.
type RequestLog struct {
	IP       string        `json:"ip,omitempty" bson:"ip,omitempty"`
	Method   string        `json:"method" bson:"method"`
	Path     string        `json:"path" bson:"path"`
	Location string        `json:"location" bson:"location"`
	Status   int           `json:"status" bson:"status"`
	Success  bool          `json:"success" bson:"success"`
	TCPIP    *TCPIPDetails `json:"tcpip,omitempty" bson:"tcpip,omitempty"`
	Time     int64         `json:"time" bson:"time"`
}

type Config struct {
	Host        string     `json:"host"`
	HTTPPort    int        `json:"http_port"`
	Redirect    string     `json:"redirect"`
	Permanent   bool       `json:"permanent"`
	AppendPath  bool       `json:"append_path"`
	Rules       []RuleSpec `json:"rules"`
	ServerName  string     `json:"server_name"`
	IdleTimeout string     `json:"idle_timeout"`
	DrainAccept bool       `json:"drain_accept"`
	MaxEvents   int        `json:"max_events"`
	ReportEvery uint64     `json:"report_every"`
	BlockList   string     `json:"block_list"`
	Verbose     bool       `json:"verbose"`

	MetricsAddr string `json:"metrics_addr"`
	Device      string `json:"device"`

	LogToDB    bool   `json:"log_to_db"`
	LogIPs     bool   `json:"log_ips"`
	MongoURL   string `json:"mongo_url"`
	DB         string `json:"db"`
	Collection string `json:"collection"`
	SQLitePath string `json:"sqlite_path"`
}

// LoadFromFile reads file into c. A missing file is created from defaults.
func (c *Config) LoadFromFile(file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		fmt.Println("No config file found: generating one", file)
		c.MakeDefault()
		return c.WriteToFile(file)
	}

	tmp := Config{}
	tmp.MakeDefault()
	if err := json.Unmarshal(data, &tmp); err != nil {
		return fmt.Errorf("failed to parse %s: %w", file, err)
	}
	*c = tmp
	return nil
}

func (c *Config) WriteToFile(file string) error {
	j, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(file, j, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) MakeDefault() {
	*c = Config{
		Host:        "",
		HTTPPort:    80,
		Redirect:    "https://example.com",
		IdleTimeout: "1m",
		DrainAccept: true,
		MaxEvents:   128,
		ReportEvery: 1000,
		DB:          "redirector",
		Collection:  "requests",
	}
}

// Idle returns the parsed idle timeout, falling back to one minute.
func (c *Config) Idle() (time.Duration, error) {
	if c.IdleTimeout == "" {
		return time.Minute, nil
	}
	d, err := time.ParseDuration(c.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid idle_timeout %q: %w", c.IdleTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid idle_timeout %q: must be positive", c.IdleTimeout)
	}
	return d, nil
}

// Status returns the redirect status code the config asks for.
func (c *Config) Status() int {
	if c.Permanent {
		return 301
	}
	return 302
}
