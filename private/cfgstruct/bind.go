// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds tagged configuration structs to flags.
//
// Struct fields carry a `help` tag and one or more default tags
// (`default`, `releaseDefault`, `devDefault`, `testDefault`); nested
// structs become dot-separated flag prefixes.
package cfgstruct

import (
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
)

// ConfDirPlaceholder is replaced inside string defaults with the configured
// configuration directory.
const ConfDirPlaceholder = "$CONFDIR"

// BindOpt modifies the behavior of Bind.
type BindOpt func(*bindOpts)

type bindOpts struct {
	confDir  string
	defaults string
}

// ConfDir sets the directory substituted for $CONFDIR in defaults.
func ConfDir(path string) BindOpt {
	return func(o *bindOpts) { o.confDir = path }
}

// UseReleaseDefaults prefers `releaseDefault` tags over `default` tags.
func UseReleaseDefaults() BindOpt {
	return func(o *bindOpts) { o.defaults = "release" }
}

// UseDevDefaults prefers `devDefault` tags over `default` tags.
func UseDevDefaults() BindOpt {
	return func(o *bindOpts) { o.defaults = "dev" }
}

// UseTestDefaults prefers `testDefault` tags over `default` tags.
func UseTestDefaults() BindOpt {
	return func(o *bindOpts) { o.defaults = "test" }
}

// Bind registers one flag per leaf field of config, which must be a pointer
// to a struct. Flag values are written directly into the struct fields.
func Bind(flags *pflag.FlagSet, config interface{}, opts ...BindOpt) {
	o := bindOpts{defaults: "release"}
	for _, opt := range opts {
		opt(&o)
	}

	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr || ptr.Elem().Kind() != reflect.Struct {
		panic(errs.New("config must be a pointer to a struct: %T", config))
	}
	bindStruct(flags, ptr.Elem(), "", &o)
}

func bindStruct(flags *pflag.FlagSet, val reflect.Value, prefix string, o *bindOpts) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.PkgPath != "" {
			continue
		}

		fieldVal := val.Field(i)
		name := prefix + hyphenate(field.Name)

		if fieldVal.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			bindStruct(flags, fieldVal, name+".", o)
			continue
		}

		help := field.Tag.Get("help")
		def := defaultFor(field, o)
		def = strings.ReplaceAll(def, ConfDirPlaceholder, o.confDir)

		bindField(flags, fieldVal, name, def, help)

		if _, ok := field.Tag.Lookup("hidden"); ok {
			_ = flags.MarkHidden(name)
		}
	}
}

func defaultFor(field reflect.StructField, o *bindOpts) string {
	if tag, ok := field.Tag.Lookup(o.defaults + "Default"); ok {
		return tag
	}
	return field.Tag.Get("default")
}

func bindField(flags *pflag.FlagSet, val reflect.Value, name, def, help string) {
	switch v := val.Addr().Interface().(type) {
	case *string:
		flags.StringVar(v, name, def, help)
	case *bool:
		flags.BoolVar(v, name, mustParseBool(name, def), help)
	case *int:
		flags.IntVar(v, name, int(mustParseInt(name, def)), help)
	case *int64:
		flags.Int64Var(v, name, mustParseInt(name, def), help)
	case *uint:
		flags.UintVar(v, name, uint(mustParseUint(name, def)), help)
	case *uint64:
		flags.Uint64Var(v, name, mustParseUint(name, def), help)
	case *float64:
		flags.Float64Var(v, name, mustParseFloat(name, def), help)
	case *time.Duration:
		flags.DurationVar(v, name, mustParseDuration(name, def), help)
	case pflag.Value:
		if def != "" {
			if err := v.Set(def); err != nil {
				panic(invalidDefault(name, def, err))
			}
		}
		flags.Var(v, name, help)
	default:
		panic(errs.New("invalid field type %v for flag %q", val.Type(), name))
	}
}

func mustParseBool(name, def string) bool {
	if def == "" {
		return false
	}
	v, err := strconv.ParseBool(def)
	if err != nil {
		panic(invalidDefault(name, def, err))
	}
	return v
}

func mustParseInt(name, def string) int64 {
	if def == "" {
		return 0
	}
	v, err := strconv.ParseInt(def, 0, 64)
	if err != nil {
		panic(invalidDefault(name, def, err))
	}
	return v
}

func mustParseUint(name, def string) uint64 {
	if def == "" {
		return 0
	}
	v, err := strconv.ParseUint(def, 0, 64)
	if err != nil {
		panic(invalidDefault(name, def, err))
	}
	return v
}

func mustParseFloat(name, def string) float64 {
	if def == "" {
		return 0
	}
	v, err := strconv.ParseFloat(def, 64)
	if err != nil {
		panic(invalidDefault(name, def, err))
	}
	return v
}

func mustParseDuration(name, def string) time.Duration {
	if def == "" {
		return 0
	}
	v, err := time.ParseDuration(def)
	if err != nil {
		panic(invalidDefault(name, def, err))
	}
	return v
}

func invalidDefault(name, def string, err error) error {
	return errs.New("invalid default %q for flag %q: %v", def, name, err)
}

// hyphenate converts a Go field name to a kebab-case flag segment,
// e.g. RetryLimit -> retry-limit, APIKey -> api-key.
func hyphenate(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			boundary := i > 0 &&
				(unicode.IsLower(runes[i-1]) ||
					(i+1 < len(runes) && unicode.IsLower(runes[i+1])))
			if boundary {
				b.WriteByte('-')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
