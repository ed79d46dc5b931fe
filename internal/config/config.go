// Package config loads a dnswalk.Config from environment variables, with
// defaults applied before validation, in the style of rr-dns's internal
// config loader.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/miekg/dns"

	"github.com/dnswalk/dnswalk"
)

// AppConfig is the environment-facing shape of dnswalk.Config: QType is
// carried as a DNS type mnemonic ("A", "AAAA", "NS", ...) rather than its
// numeric RR code, since that's what a human sets in the environment.
type AppConfig struct {
	QName string `koanf:"qname" validate:"required"`
	QType string `koanf:"qtype" validate:"required,dnstype"`

	Roots    []string `koanf:"roots" validate:"omitempty,dive,ip"`
	AllRoots bool     `koanf:"all_roots"`

	FollowAAAA bool `koanf:"follow_aaaa"`
	RootAAAA   bool `koanf:"root_aaaa"`

	AllowTCP  bool `koanf:"allow_tcp"`
	AlwaysTCP bool `koanf:"always_tcp"`

	UDPSize uint16 `koanf:"udp_size" validate:"required"`

	MaxDepth int           `koanf:"max_depth" validate:"required,gte=1"`
	Retries  int           `koanf:"retries" validate:"gte=0"`
	Timeout  time.Duration `koanf:"timeout" validate:"required,gt=0"`

	Fast bool `koanf:"fast"`

	CacheSize int `koanf:"cache_size" validate:"required,gte=1"`
}

// DefaultAppConfig mirrors dnswalk.DefaultConfig in the environment-facing
// shape, with QType spelled out as a mnemonic.
var DefaultAppConfig = AppConfig{
	QType:      "A",
	FollowAAAA: false,
	RootAAAA:   false,
	AllowTCP:   true,
	AlwaysTCP:  false,
	UDPSize:    4096,
	MaxDepth:   20,
	Retries:    2,
	Timeout:    2 * time.Second,
	Fast:       true,
	CacheSize:  4096,
}

// validDNSType reports whether a field names a known DNS RR type mnemonic.
func validDNSType(fl validator.FieldLevel) bool {
	_, ok := dns.StringToType[strings.ToUpper(fl.Field().String())]
	return ok
}

// envLoader loads environment variables with the prefix "DNSTRAVERSE_",
// lowercasing keys and splitting comma/space-separated values into slices,
// for fields like roots that take more than one value.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "DNSTRAVERSE_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, "DNSTRAVERSE_")), "__", ".")
			value = strings.TrimSpace(value)
			if value == "" {
				return key, value
			}
			if strings.ContainsAny(value, " ,") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}
			return key, value
		},
	}), nil)
}

var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
}

var registerValidation = func(v *validator.Validate) error {
	return v.RegisterValidation("dnstype", validDNSType)
}

// Load reads DNSTRAVERSE_-prefixed environment variables over top of
// DefaultAppConfig and converts the result to a *dnswalk.Config. The result
// is validated (struct tags, then Config.Validate) only when QName is
// supplied via environment; otherwise nothing is validated here, and the
// caller sets QName (typically from a CLI positional argument) and calls
// Validate itself.
func Load() (*dnswalk.Config, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	var app AppConfig
	if err := k.Unmarshal("", &app); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("registering validation: %w", err)
	}
	if app.QName != "" {
		if err := validate.Struct(&app); err != nil {
			return nil, fmt.Errorf("validating config: %w", err)
		}
	}

	cfg := app.toDnswalkConfig()
	if app.QName != "" {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (a AppConfig) toDnswalkConfig() *dnswalk.Config {
	return &dnswalk.Config{
		QName:      a.QName,
		QType:      dns.StringToType[strings.ToUpper(a.QType)],
		Roots:      a.Roots,
		AllRoots:   a.AllRoots,
		FollowAAAA: a.FollowAAAA,
		RootAAAA:   a.RootAAAA,
		AllowTCP:   a.AllowTCP,
		AlwaysTCP:  a.AlwaysTCP,
		UDPSize:    a.UDPSize,
		MaxDepth:   a.MaxDepth,
		Retries:    a.Retries,
		Timeout:    a.Timeout,
		Fast:       a.Fast,
		CacheSize:  a.CacheSize,
	}
}
