package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"eve-quantum/internal/logger"
)

const (
	appDirName     = "eve-quantum"
	configFileName = "quantum_config.json"
	migrationFlag  = ".migration-complete"
)

// General holds application-wide settings.
type General struct {
	UserAgent          string `json:"user_agent"`
	DefaultCharacterID int64  `json:"default_character_id"`
}

// Market holds pricing defaults used by the calculator and plan store.
type Market struct {
	RegionID            int32   `json:"region_id"`    // default The Forge
	LocationID          int64   `json:"location_id"`  // 0 = whole region; default Jita 4-4
	PriceMethod         string  `json:"price_method"` // immediate | vwap | percentile | historical | hybrid
	InputSide           string  `json:"input_side"`   // buy | sell — which book to price materials against
	OutputSide          string  `json:"output_side"`
	InputPriceModifier  float64 `json:"input_price_modifier"`
	OutputPriceModifier float64 `json:"output_price_modifier"`
	Percentile          float64 `json:"percentile"` // for price_method=percentile
	MinVolume           int64   `json:"min_volume"`
}

// Facility describes a manufacturing facility the user can install jobs at.
type Facility struct {
	FacilityID      int64   `json:"facility_id"`
	Name            string  `json:"name"`
	SystemID        int32   `json:"system_id"`
	StructureTypeID int32   `json:"structure_type_id"` // 0 = NPC station
	RigTypeIDs      []int32 `json:"rig_type_ids"`
	Security        float64 `json:"security"` // system security status
	TaxRate         float64 `json:"tax_rate"` // fraction, e.g. 0.01
	IsDefault       bool    `json:"is_default"`
}

// Config is the quantum_config.json document.
type Config struct {
	General    General    `json:"general"`
	Market     Market     `json:"market"`
	Facilities []Facility `json:"facilities"`
}

// Default returns a Config with sensible defaults (Jita sell-order pricing).
func Default() *Config {
	return &Config{
		General: General{
			UserAgent: "eve-quantum/1.0 (github.com)",
		},
		Market: Market{
			RegionID:            10000002, // The Forge
			LocationID:          60003760, // Jita IV-4 CNAP
			PriceMethod:         "hybrid",
			InputSide:           "sell",
			OutputSide:          "sell",
			InputPriceModifier:  1.0,
			OutputPriceModifier: 1.0,
			Percentile:          0.2,
			MinVolume:           1,
		},
	}
}

// Dir resolves the application config directory, creating it if needed.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	dir := filepath.Join(base, appDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Load reads quantum_config.json from dir, running the one-time sibling
// migration first. A missing file yields Default() (and is not an error).
func Load(dir string) (*Config, error) {
	migrateSiblings(dir)

	path := filepath.Join(dir, configFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes the config document atomically (write temp, rename).
func (c *Config) Save(dir string) error {
	c.normalize()
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(dir, configFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return os.Rename(tmp, path)
}

func (c *Config) normalize() {
	switch strings.ToLower(strings.TrimSpace(c.Market.PriceMethod)) {
	case "immediate", "vwap", "percentile", "historical", "hybrid":
		c.Market.PriceMethod = strings.ToLower(strings.TrimSpace(c.Market.PriceMethod))
	default:
		c.Market.PriceMethod = "hybrid"
	}
	if c.Market.InputPriceModifier <= 0 {
		c.Market.InputPriceModifier = 1.0
	}
	if c.Market.OutputPriceModifier <= 0 {
		c.Market.OutputPriceModifier = 1.0
	}
	if c.Market.Percentile <= 0 || c.Market.Percentile > 1 {
		c.Market.Percentile = 0.2
	}
	if c.Market.RegionID == 0 {
		c.Market.RegionID = 10000002
	}
}

// FacilityByID returns the facility with the given ID, or nil.
func (c *Config) FacilityByID(facilityID int64) *Facility {
	for i := range c.Facilities {
		if c.Facilities[i].FacilityID == facilityID {
			return &c.Facilities[i]
		}
	}
	return nil
}

// DefaultFacility returns the facility marked default, or nil.
func (c *Config) DefaultFacility() *Facility {
	for i := range c.Facilities {
		if c.Facilities[i].IsDefault {
			return &c.Facilities[i]
		}
	}
	return nil
}

// SecurityBand classifies the facility's system security:
// "null" for <= 0.0, "low" for (0.0, 0.5), "high" for >= 0.5.
func (f *Facility) SecurityBand() string {
	switch {
	case f.Security <= 0.0:
		return "null"
	case f.Security < 0.5:
		return "low"
	default:
		return "high"
	}
}

// migrateSiblings moves pre-existing quantum_* files from the parent config
// directory into dir, once. The flag file makes this idempotent.
func migrateSiblings(dir string) {
	flag := filepath.Join(dir, migrationFlag)
	if _, err := os.Stat(flag); err == nil {
		return
	}

	parent := filepath.Dir(dir)
	entries, err := os.ReadDir(parent)
	if err == nil {
		moved := 0
		for _, e := range entries {
			if e.IsDir() || !strings.HasPrefix(e.Name(), "quantum_") {
				continue
			}
			src := filepath.Join(parent, e.Name())
			dst := filepath.Join(dir, e.Name())
			if _, err := os.Stat(dst); err == nil {
				continue // never overwrite a file already in place
			}
			if err := os.Rename(src, dst); err == nil {
				moved++
			}
		}
		if moved > 0 {
			logger.Info("CONFIG", fmt.Sprintf("Migrated %d legacy file(s) into %s", moved, dir))
		}
	}

	os.WriteFile(flag, []byte("ok\n"), 0644)
}
