package activity

import (
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"creditrail/internal/errors"
	"creditrail/internal/ledger"
)

// FacilityDefinitions models the structure of configs/facilities.yaml.
type FacilityDefinitions struct {
	Facilities map[string]FacilityDefinition `yaml:"facilities"`
}

// FacilityDefinition describes one product line to mirror.
type FacilityDefinition struct {
	Contract          string `yaml:"contract"`
	StartBlock        uint64 `yaml:"start_block"`
	ConfirmationDepth uint64 `yaml:"confirmation_depth"`
	ChunkSize         uint64 `yaml:"chunk_size"`
	IntervalSeconds   int    `yaml:"interval_seconds"`
	// Collateral marks the collateralized line, which watches the vault
	// and maintains position links.
	Collateral bool `yaml:"collateral"`
}

// LoadFacilityDefinitions parses the YAML file containing product lines.
func LoadFacilityDefinitions(path string) (FacilityDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return FacilityDefinitions{Facilities: map[string]FacilityDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return FacilityDefinitions{}, errors.Wrap(errors.CodeInvalidArgument, err, "read facility definitions")
	}

	var defs FacilityDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return FacilityDefinitions{}, errors.Wrap(errors.CodeInvalidArgument, err, "parse facility definitions")
	}
	if defs.Facilities == nil {
		defs.Facilities = map[string]FacilityDefinition{}
	}
	return defs, nil
}

// Facility is a resolved product line ready to ingest.
type Facility struct {
	Name              string
	Contract          common.Address
	StartBlock        uint64
	ConfirmationDepth uint64
	ChunkSize         uint64
	Interval          time.Duration
	Collateral        bool
}

// Facility converts a definition, filling defaults.
func (d FacilityDefinition) Facility(name string) (Facility, error) {
	if !common.IsHexAddress(d.Contract) {
		return Facility{}, errors.New(errors.CodeInvalidArgument, "facility "+name+" has no valid contract address")
	}
	f := Facility{
		Name:              name,
		Contract:          common.HexToAddress(d.Contract),
		StartBlock:        d.StartBlock,
		ConfirmationDepth: d.ConfirmationDepth,
		ChunkSize:         d.ChunkSize,
		Interval:          time.Duration(d.IntervalSeconds) * time.Second,
		Collateral:        d.Collateral,
	}
	if f.ChunkSize == 0 {
		f.ChunkSize = 2000
	}
	if f.Interval <= 0 {
		f.Interval = 15 * time.Second
	}
	return f, nil
}

// EventKinds returns the categorized log types this facility mirrors.
func (f Facility) EventKinds() []ledger.EventKind {
	if f.Collateral {
		return []ledger.EventKind{ledger.KindPositionOpened, ledger.KindCollateralWithdrawn}
	}
	return []ledger.EventKind{ledger.KindLoanExecuted, ledger.KindLoanRepaid, ledger.KindLoanDefaulted}
}
