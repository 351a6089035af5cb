package attest

import (
	"encoding/json"
	"fmt"
	"os"
)

// PCRSet is a known-good set of enclave measurements. PCR0 covers the image
// file, PCR1 the kernel and initramfs, PCR2 the application layer.
type PCRSet struct {
	PCR0  string `json:"pcr0"`
	PCR1  string `json:"pcr1"`
	PCR2  string `json:"pcr2"`
	Build string `json:"build"` // gateway image build identifier
}

// PCRConfig is the on-disk format listing known-good measurement sets.
type PCRConfig struct {
	PCRSets []PCRSet `json:"pcr_sets"`
}

// LoadPCRSets reads known-good measurement sets from a JSON config file.
func LoadPCRSets(path string) ([]PCRSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCR config file: %w", err)
	}

	var config PCRConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse PCR config: %w", err)
	}

	if len(config.PCRSets) == 0 {
		return nil, fmt.Errorf("no PCR sets found in config file")
	}

	return config.PCRSets, nil
}

// MatchPCRs returns the index of the first known set matching the document's
// measurements, or -1 when none match.
func MatchPCRs(doc *Document, known []PCRSet) int {
	for i, set := range known {
		if doc.PCR(0) == set.PCR0 && doc.PCR(1) == set.PCR1 && doc.PCR(2) == set.PCR2 {
			return i
		}
	}
	return -1
}
