// Package config implements the Config/Host Registry (C1): it loads the
// host configuration JSON document, substitutes ${VAR} / ${VAR:-default}
// environment placeholders, and validates host entries.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/testpilot/testpilot/internal/errs"
	"github.com/testpilot/testpilot/internal/model"
	"github.com/testpilot/testpilot/internal/util"
	"github.com/testpilot/testpilot/pkg/fileutil"

	"go.uber.org/zap"
)

// wire is the on-disk JSON shape; field names mirror spec.md §6 exactly.
type wire struct {
	UseSSH    bool     `json:"use_ssh"`
	PodMode   bool     `json:"pod_mode"`
	NFName    string   `json:"nf_name"`
	ConnectTo []string `json:"connect_to"`
	Hosts     []struct {
		Name      string `json:"name"`
		Hostname  string `json:"hostname"`
		Username  string `json:"username"`
		Port      int    `json:"port"`
		Password  string `json:"password"`
		KeyPath   string `json:"key_path"`
		Namespace string `json:"namespace"`
		CLI       string `json:"cli"`
	} `json:"hosts"`
	RateLimiting struct {
		Enabled        bool    `json:"enabled"`
		DefaultRPS     float64 `json:"default_reqs_per_sec"`
		PerHost        bool    `json:"per_host"`
		BurstSize      int     `json:"burst_size"`
	} `json:"rate_limiting"`
	SSHSettings struct {
		AutoAddHosts bool `json:"auto_add_hosts"`
		MaxRetries   int  `json:"max_retries"`
		RetryDelay   int  `json:"retry_delay"`
	} `json:"ssh_settings"`
	KubectlLogsSettings struct {
		CaptureDuration int    `json:"capture_duration"`
		SinceDuration   string `json:"since_duration"`
	} `json:"kubectl_logs_settings"`
	ValidationSettings struct {
		JSONMatchThreshold float64 `json:"json_match_threshold"`
	} `json:"validation_settings"`
	StopOnFailure bool `json:"stop_on_failure"`
}

var placeholderRe = util.Must(regexp.Compile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)(:-(.*))?\}$`))

// Load reads path, substitutes environment placeholders, and validates
// the result. Mirrors the teacher's Load/UpdateFromEnvs split
// (eksconfig/env.go) but the substitution is string-token driven rather
// than struct-tag driven, since TestPilot's wire format embeds ${VAR}
// tokens inside JSON string values rather than naming env vars per field.
func Load(lg *zap.Logger, path string) (*model.Config, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.NewConfigError(path, err)
	}

	var w wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errs.NewConfigError(path, fmt.Errorf("invalid JSON: %w", err))
	}
	if err := substituteEnv(reflect.ValueOf(&w)); err != nil {
		return nil, errs.NewConfigError(path, err)
	}

	cfg := &model.Config{
		UseSSH:        w.UseSSH,
		PodMode:       w.PodMode,
		NFName:        strings.ToLower(w.NFName),
		ConnectTo:     w.ConnectTo,
		StopOnFailure: w.StopOnFailure,
		RateLimit: model.RateLimitSettings{
			Enabled:    w.RateLimiting.Enabled,
			DefaultRPS: w.RateLimiting.DefaultRPS,
			PerHost:    w.RateLimiting.PerHost,
			BurstSize:  w.RateLimiting.BurstSize,
		},
		SSH: model.SSHSettings{
			AutoAddHosts: w.SSHSettings.AutoAddHosts,
			MaxRetries:   orDefaultInt(w.SSHSettings.MaxRetries, 3),
			RetryDelay:   orDefaultDuration(w.SSHSettings.RetryDelay, 2*time.Second),
			Timeout:      30 * time.Second,
		},
		KubectlLogs: model.KubectlLogsSettings{
			CaptureDurationSeconds: w.KubectlLogsSettings.CaptureDuration,
			Since:                  w.KubectlLogsSettings.SinceDuration,
		},
		Validation: model.ValidationSettings{
			JSONMatchThresholdPct: orDefaultFloat(w.ValidationSettings.JSONMatchThreshold, 50),
		},
	}

	for _, h := range w.Hosts {
		host := model.Host{
			Name:      h.Name,
			Hostname:  h.Hostname,
			Username:  h.Username,
			Port:      h.Port,
			Password:  h.Password,
			KeyPath:   h.KeyPath,
			Namespace: h.Namespace,
		}
		switch h.CLI {
		case "oc":
			host.CLI = model.CLIOC
		case "kubectl":
			host.CLI = model.CLIKubectl
		}
		switch {
		case h.Password != "":
			host.Auth = model.AuthPassword
		case h.KeyPath != "":
			host.Auth = model.AuthKey
		}
		if err := validateHost(cfg.UseSSH, host, h.Password != "", h.KeyPath != ""); err != nil {
			return nil, errs.NewConfigError(path, err)
		}
		if host.KeyPath != "" && !fileutil.Exist(host.KeyPath) {
			lg.Warn("ssh key path does not exist", zap.String("host", host.Name), zap.String("key_path", host.KeyPath))
		}
		cfg.Hosts = append(cfg.Hosts, host)
	}

	return cfg, nil
}

func validateHost(useSSH bool, h model.Host, hasPassword, hasKey bool) error {
	if h.Name == "" {
		return fmt.Errorf("host entry missing name")
	}
	if !useSSH {
		return nil
	}
	if hasPassword && hasKey {
		return fmt.Errorf("host %q: exactly one of password/key_path must be set, got both", h.Name)
	}
	if !hasPassword && !hasKey {
		return fmt.Errorf("host %q: exactly one of password/key_path must be set, got neither", h.Name)
	}
	return nil
}

// substituteEnv walks a decoded struct (via pointer) replacing every
// string field that is entirely a ${VAR} or ${VAR:-default} token.
func substituteEnv(v reflect.Value) error {
	v = reflect.Indirect(v)
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if !f.CanSet() {
				continue
			}
			if f.Kind() == reflect.String {
				resolved, err := resolveString(f.String())
				if err != nil {
					return err
				}
				f.SetString(resolved)
				continue
			}
			if err := substituteEnv(f.Addr()); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				resolved, err := resolveString(elem.String())
				if err != nil {
					return err
				}
				elem.SetString(resolved)
				continue
			}
			if elem.CanAddr() {
				if err := substituteEnv(elem.Addr()); err != nil {
					return err
				}
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			return substituteEnv(v)
		}
	}
	return nil
}

func resolveString(s string) (string, error) {
	m := placeholderRe.FindStringSubmatch(s)
	if m == nil {
		return s, nil
	}
	name, hasDefault, def := m[1], m[2] != "", m[3]
	if val, ok := os.LookupEnv(name); ok {
		return val, nil
	}
	if hasDefault {
		return def, nil
	}
	return "", fmt.Errorf("required environment variable %q is not set", name)
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultDuration(seconds int, def time.Duration) time.Duration {
	if seconds == 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}
