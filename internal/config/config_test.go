package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Market.RegionID != 10000002 {
		t.Errorf("RegionID = %d, want The Forge", cfg.Market.RegionID)
	}
	if cfg.Market.PriceMethod != "hybrid" {
		t.Errorf("PriceMethod = %q, want hybrid", cfg.Market.PriceMethod)
	}
	if cfg.Market.InputPriceModifier != 1.0 {
		t.Errorf("InputPriceModifier = %v, want 1.0", cfg.Market.InputPriceModifier)
	}
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := Default()
	cfg.Market.PriceMethod = "vwap"
	cfg.Facilities = append(cfg.Facilities, Facility{
		FacilityID:      1042000000001,
		Name:            "Home Raitaru",
		SystemID:        30000142,
		StructureTypeID: 35825,
		RigTypeIDs:      []int32{43867},
		Security:        0.9,
		IsDefault:       true,
	})
	if err := cfg.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Market.PriceMethod != "vwap" {
		t.Errorf("PriceMethod = %q, want vwap", loaded.Market.PriceMethod)
	}
	fac := loaded.DefaultFacility()
	if fac == nil {
		t.Fatal("DefaultFacility = nil")
	}
	if fac.FacilityID != 1042000000001 || fac.StructureTypeID != 35825 {
		t.Errorf("facility = %+v", fac)
	}
	if got := fac.SecurityBand(); got != "high" {
		t.Errorf("SecurityBand = %q, want high", got)
	}
}

func TestNormalize_UnknownPriceMethod(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, configFileName)
	raw := `{"market":{"region_id":10000002,"price_method":"bogus","input_price_modifier":-2}}`
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Market.PriceMethod != "hybrid" {
		t.Errorf("PriceMethod = %q, want hybrid fallback", cfg.Market.PriceMethod)
	}
	if cfg.Market.InputPriceModifier != 1.0 {
		t.Errorf("InputPriceModifier = %v, want 1.0", cfg.Market.InputPriceModifier)
	}
}

func TestMigrateSiblings_OnceOnly(t *testing.T) {
	parent := t.TempDir()
	dir := filepath.Join(parent, appDirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}

	legacy := filepath.Join(parent, "quantum_notes.json")
	if err := os.WriteFile(legacy, []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}

	migrateSiblings(dir)

	if _, err := os.Stat(filepath.Join(dir, "quantum_notes.json")); err != nil {
		t.Errorf("legacy file not moved: %v", err)
	}
	if _, err := os.Stat(legacy); !os.IsNotExist(err) {
		t.Error("legacy file still present in parent")
	}
	if _, err := os.Stat(filepath.Join(dir, migrationFlag)); err != nil {
		t.Errorf("migration flag missing: %v", err)
	}

	// A second legacy file appearing later must not be moved again.
	late := filepath.Join(parent, "quantum_late.json")
	os.WriteFile(late, []byte(`{}`), 0644)
	migrateSiblings(dir)
	if _, err := os.Stat(late); err != nil {
		t.Error("file moved after migration flag was set")
	}
}

func TestSecurityBand_Edges(t *testing.T) {
	cases := []struct {
		sec  float64
		want string
	}{
		{-0.4, "null"},
		{0.0, "null"},
		{0.1, "low"},
		{0.49, "low"},
		{0.5, "high"},
		{1.0, "high"},
	}
	for _, c := range cases {
		f := Facility{Security: c.sec}
		if got := f.SecurityBand(); got != c.want {
			t.Errorf("SecurityBand(%v) = %q, want %q", c.sec, got, c.want)
		}
	}
}
