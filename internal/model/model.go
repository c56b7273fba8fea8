// Package model defines the shared data structures for confguard: the
// boot-time global configuration, the per-entry configuration registry
// record, and the short-lived per-request context.
package model

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// GuardMode controls how strictly PathGuard enforces path containment.
type GuardMode string

const (
	GuardOff   GuardMode = "off"
	GuardAudit GuardMode = "audit"
	GuardOn    GuardMode = "on"
)

const defaultMaxBackups = 10

// GlobalConfig is the immutable, process-wide configuration loaded once at
// startup from global.json (and a handful of environment overrides).
type GlobalConfig struct {
	Listen             string      `json:"listen"`
	SSLEnable          bool        `json:"ssl_enable"`
	SSLCertFile        string      `json:"ssl_cert_file"`
	SSLKeyFile         string      `json:"ssl_key_file"`
	APIToken           string      `json:"api_token"`
	Secret             StringList  `json:"secret"`
	AllowedIPs         []string    `json:"allowed_ips"`
	AllowedRoots       []string    `json:"allowed_roots"`
	TrustedProxies     []string    `json:"trusted_proxies"`
	AllowOrigins       []string    `json:"allow_origins"`
	LogFile            string      `json:"logfile"`
	BackupDir          string      `json:"backupDir"`
	TmpDir             string      `json:"tmpDir"`
	MaxBackups         int         `json:"maxBackups"`
	PathGuard          GuardMode   `json:"path_guard"`
	ApplyMeta          bool        `json:"apply_meta"`
	AutoCreateBackups  bool        `json:"auto_create_backups"`
	Systemctl          string      `json:"systemctl"`
	SystemctlFlags     string      `json:"systemctl_flags"`

	// Derived at load time, not unmarshalled directly.
	AllowedNets []*net.IPNet `json:"-"`
	TrustedIPs  []net.IP     `json:"-"`
}

// StringList unmarshals either a single JSON string or an array of strings
// into a []string. "secret" in global.json may be set by hand as a bare
// string or as a pre-split list.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler for StringList.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*s = nil
		} else {
			*s = StringList{single}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("secret must be a string or list of strings: %w", err)
	}
	*s = StringList(list)
	return nil
}

// LoadGlobalConfig parses global.json bytes and applies environment
// overrides (API_TOKEN, PATH_GUARD, SYSTEMCTL_FLAGS), then derives the CIDR
// and trusted-proxy lookup tables.
func LoadGlobalConfig(data []byte) (*GlobalConfig, error) {
	cfg := &GlobalConfig{
		MaxBackups: defaultMaxBackups,
		PathGuard:  GuardOff,
		Systemctl:  "systemctl",
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid global.json: %w", err)
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = defaultMaxBackups
	}

	if v := os.Getenv("API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("PATH_GUARD"); v != "" {
		cfg.PathGuard = GuardMode(v)
	}
	if v := os.Getenv("SYSTEMCTL_FLAGS"); v != "" {
		cfg.SystemctlFlags = v
	}
	if cfg.APIToken == "" && len(cfg.Secret) > 0 {
		cfg.APIToken = cfg.Secret[0]
	}

	for _, raw := range cfg.AllowedIPs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			bits := 32
			if strings.Contains(raw, ":") {
				bits = 128
			}
			raw = fmt.Sprintf("%s/%d", raw, bits)
		}
		_, ipnet, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed_ips entry %q: %w", raw, err)
		}
		cfg.AllowedNets = append(cfg.AllowedNets, ipnet)
	}

	for _, raw := range cfg.TrustedProxies {
		ip := net.ParseIP(strings.TrimSpace(raw))
		if ip == nil {
			return nil, fmt.Errorf("invalid trusted_proxies entry %q", raw)
		}
		cfg.TrustedIPs = append(cfg.TrustedIPs, ip)
	}

	return cfg, nil
}

// SystemctlArgv returns the systemctl invocation prefix, including any
// configured flags, as a pre-split argv.
func (g *GlobalConfig) SystemctlArgv() []string {
	bin := g.Systemctl
	if bin == "" {
		bin = "systemctl"
	}
	argv := []string{bin}
	if g.SystemctlFlags != "" {
		argv = append(argv, strings.Fields(g.SystemctlFlags)...)
	}
	return argv
}

// IPAllowed reports whether ip is contained in any configured CIDR. When no
// CIDRs are configured the IP allow-list is considered disabled and every
// address is admitted.
func (g *GlobalConfig) IPAllowed(ip net.IP) bool {
	if len(g.AllowedNets) == 0 {
		return true
	}
	for _, n := range g.AllowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsTrustedProxy reports whether ip is one of the configured trusted
// proxies, in which case X-Forwarded-For is honoured for that connection.
func (g *GlobalConfig) IsTrustedProxy(ip net.IP) bool {
	for _, t := range g.TrustedIPs {
		if t.Equal(ip) {
			return true
		}
	}
	return false
}

// OriginAllowed resolves the CORS Access-Control-Allow-Origin header value:
// the request's Origin when the allow-list is empty, the origin when
// allow-listed, or the literal "null" otherwise.
func (g *GlobalConfig) OriginAllowed(origin string) (headerValue string) {
	if len(g.AllowOrigins) == 0 {
		return origin
	}
	for _, allowed := range g.AllowOrigins {
		if allowed == origin {
			return origin
		}
	}
	return "null"
}

// ConfigEntry is one managed configuration file and its service binding.
type ConfigEntry struct {
	Name      string              `json:"-"`
	Path      string              `json:"path"`
	Service   string              `json:"service"`
	Category  string              `json:"category,omitempty"`
	Actions   map[string][]string `json:"actions"`
	User      string              `json:"user,omitempty"`
	Group     string              `json:"group,omitempty"`
	Mode      string              `json:"mode,omitempty"`
	ApplyMeta *bool               `json:"apply_meta,omitempty"`

	// StatusArgs overrides the default "-i <name> -p status" postmulti
	// status probe.
	StatusArgs []string `json:"status,omitempty"`
}

// EffectiveCategory returns the entry's category, defaulting to
// "uncategorized".
func (e *ConfigEntry) EffectiveCategory() string {
	if e.Category == "" {
		return "uncategorized"
	}
	return e.Category
}

// EffectiveApplyMeta resolves whether metadata enforcement should run for
// this entry, given the global default.
func (e *ConfigEntry) EffectiveApplyMeta(globalApplyMeta bool) bool {
	if e.ApplyMeta != nil {
		return *e.ApplyMeta
	}
	if globalApplyMeta {
		return true
	}
	return e.User != "" || e.Group != "" || e.Mode != ""
}

// ValidEntryName reports whether name is free of traversal characters: no
// path separators and no "..".
func ValidEntryName(name string) bool {
	if name == "" {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

// SanitizeForDir maps name to a safe directory-component string: any
// character outside [A-Za-z0-9._-] becomes '_'.
func SanitizeForDir(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// RequestContext is the short-lived, per-request bundle the pipeline
// attaches at the top of the stack and logs at the bottom.
type RequestContext struct {
	ID       string
	Start    time.Time
	ClientIP string
	Method   string
	Path     string
}
