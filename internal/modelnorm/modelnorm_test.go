package modelnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw    string
		vendor string
		model  string
	}{
		{"Antminer S19 Pro", "antminer", "Antminer S19 Pro"},
		{"ANTMINER S19J PRO", "antminer", "Antminer S19j Pro"},
		{"S19 XP", "antminer", "Antminer S19 XP"},
		{"L7", "antminer", "Antminer L7"},
		{"BTM_S19", "antminer", "Antminer S19"},
		{"Braiins OS+ Antminer S19", "antminer", "Antminer S19"},
		{"bosminer S9", "antminer", "Antminer S9"},
		{"M30S++", "whatsminer", "Whatsminer M30S++"},
		{"A1246", "avalonminer", "Avalon A1246"},
		{"KS3", "iceriver", "IceRiver KS3"},
		{"", "unknown", ""},
	}
	for _, tc := range cases {
		n := Normalize(tc.raw)
		assert.Equal(t, tc.vendor, n.Vendor, "raw=%q", tc.raw)
		assert.Equal(t, tc.model, n.Model, "raw=%q", tc.raw)
	}
}

func TestNormalizeKeyStable(t *testing.T) {
	a := Normalize("Antminer  S19_Pro")
	b := Normalize("antminer s19 pro")
	assert.Equal(t, a.Key, b.Key)
}
