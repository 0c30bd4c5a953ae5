// Package config binds command line flags, environment variables and the
// cdsapi rc file into the run configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rtm0/era5fetch/internal/cds"
	"github.com/rtm0/era5fetch/internal/era5"
	"github.com/rtm0/era5fetch/internal/export"
)

// Config is the validated configuration of one run. It is not modified after
// Load returns.
type Config struct {
	DataDir       string
	BaseName      string
	Years         era5.YearRange
	Area          era5.Area
	Workers       int
	LoadWorkers   int
	ExportWorkers int
	TZOffset      time.Duration
	CDSURL        string
	CDSKey        string
	LogLevel      slog.Level
}

// AddFlags registers the command line flags and binds them to v.
func AddFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.StringP("path-name", "p", "", "path to save all downloaded and combined data")
	fs.StringP("file-name", "f", "", "base filename for all files, e.g. <file-name>_<year>.nc")
	fs.IntP("start-year", "s", 0, fmt.Sprintf("first year to gather data, not lower than %d", era5.FirstYear))
	fs.IntP("end-year", "e", 0, "last year to gather data, not greater than the current year")
	fs.StringSliceP("area", "a", nil, "N,W,S,E boundaries of the grid; N and S, and E and W can be the same for a single coordinate pair")
	fs.IntP("nodes", "n", 1, "number of concurrent downloads")
	fs.Int("load-workers", 0, "number of grid files loaded concurrently (default: --nodes)")
	fs.Int("export-workers", 0, "number of CSV files written concurrently (default: --nodes)")
	fs.Duration("tz-offset", export.DefaultTZOffset, "offset subtracted from UTC timestamps in the exported files")
	fs.String("cds-url", "", "Climate Data Store API URL (default: $CDSAPI_URL, the rc file, then "+cds.DefaultURL+")")
	fs.String("cds-key", "", "Climate Data Store API key (default: $CDSAPI_KEY, then the rc file)")
	fs.String("cdsapirc", "", "cdsapi rc file (default: $CDSAPI_RC or ~/.cdsapirc)")
	fs.String("log-level", "info", "log level: debug, info, warn or error")

	if err := v.BindPFlags(fs); err != nil {
		return err
	}
	v.SetEnvPrefix("ERA5")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, env := range map[string]string{
		"cds-url":  "CDSAPI_URL",
		"cds-key":  "CDSAPI_KEY",
		"cdsapirc": "CDSAPI_RC",
	} {
		if err := v.BindEnv(key, "ERA5_"+strings.ToUpper(strings.ReplaceAll(key, "-", "_")), env); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the configuration from v and validates it against now.
func Load(v *viper.Viper, now time.Time) (*Config, error) {
	c := &Config{
		DataDir:       v.GetString("path-name"),
		BaseName:      v.GetString("file-name"),
		Years:         era5.YearRange{Start: v.GetInt("start-year"), End: v.GetInt("end-year")},
		Workers:       v.GetInt("nodes"),
		LoadWorkers:   v.GetInt("load-workers"),
		ExportWorkers: v.GetInt("export-workers"),
		TZOffset:      v.GetDuration("tz-offset"),
		CDSURL:        v.GetString("cds-url"),
		CDSKey:        v.GetString("cds-key"),
	}

	area, err := parseArea(v.GetStringSlice("area"))
	if err != nil {
		return nil, err
	}
	c.Area = area
	if err := c.LogLevel.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if c.LoadWorkers == 0 {
		c.LoadWorkers = c.Workers
	}
	if c.ExportWorkers == 0 {
		c.ExportWorkers = c.Workers
	}

	if c.CDSURL == "" || c.CDSKey == "" {
		rc, err := readRC(v.GetString("cdsapirc"))
		if err != nil {
			return nil, err
		}
		if c.CDSURL == "" {
			c.CDSURL = rc.GetString("url")
		}
		if c.CDSKey == "" {
			c.CDSKey = rc.GetString("key")
		}
	}
	if c.CDSURL == "" {
		c.CDSURL = cds.DefaultURL
	}

	if err := c.Validate(now); err != nil {
		return nil, err
	}
	if c.DataDir, err = filepath.Abs(c.DataDir); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration.
func (c *Config) Validate(now time.Time) error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("--path-name is required"))
	}
	if c.BaseName == "" {
		errs = append(errs, errors.New("--file-name is required"))
	} else if strings.ContainsRune(c.BaseName, os.PathSeparator) {
		errs = append(errs, fmt.Errorf("--file-name %q must not contain a path separator", c.BaseName))
	}
	if err := c.Years.Validate(now); err != nil {
		errs = append(errs, err)
	}
	if err := c.Area.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Workers < 1 || c.LoadWorkers < 1 || c.ExportWorkers < 1 {
		errs = append(errs, fmt.Errorf("worker counts must be positive, got %d/%d/%d", c.Workers, c.LoadWorkers, c.ExportWorkers))
	}
	return errors.Join(errs...)
}

// parseArea accepts "N,W,S,E" or four separate values.
func parseArea(values []string) (era5.Area, error) {
	var fields []string
	for _, v := range values {
		fields = append(fields, strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })...)
	}
	if len(fields) != 4 {
		return era5.Area{}, fmt.Errorf("--area needs 4 values (N, W, S, E), got %d", len(fields))
	}
	var f [4]float64
	for i, s := range fields {
		var err error
		if f[i], err = strconv.ParseFloat(s, 64); err != nil {
			return era5.Area{}, fmt.Errorf("--area value %q: %w", s, err)
		}
	}
	return era5.Area{North: f[0], West: f[1], South: f[2], East: f[3]}, nil
}

// readRC reads the "url:" and "key:" entries of a cdsapi rc file. A missing
// default file is not an error.
func readRC(path string) (*viper.Viper, error) {
	rc := viper.New()
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return rc, nil
		}
		path = filepath.Join(home, ".cdsapirc")
	}
	rc.SetConfigFile(path)
	rc.SetConfigType("yaml")
	if err := rc.ReadInConfig(); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return rc, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rc, nil
}
