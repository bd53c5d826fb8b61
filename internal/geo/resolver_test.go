package geo

import (
	"context"
	"strings"
	"testing"
)

func TestGazetteerResolver(t *testing.T) {
	st := newGazetteer(t)
	seedGazetteer(t, st)
	r := NewGazetteerResolver(st)
	ctx := context.Background()

	tests := []struct {
		name         string
		place        string
		hints        Hints
		wantDistrict string
		wantBlock    string
		wantReview   bool
		wantExplain  string
	}{
		{name: "unique block", place: "Kunkuri", wantDistrict: "Jashpur", wantBlock: "Kunkuri"},
		{name: "alias", place: "कुनकुरी", wantDistrict: "Jashpur", wantBlock: "Kunkuri", wantExplain: "alias"},
		{name: "district and city share district", place: "Raigarh", wantDistrict: "Raigarh", wantExplain: "share district"},
		{name: "ambiguous village", place: "Rampur", wantReview: true, wantExplain: "ambiguous"},
		{name: "district hint", place: "Rampur", hints: Hints{Districts: []string{"Durg"}}, wantDistrict: "Durg", wantBlock: "Patan", wantExplain: "district hint"},
		{name: "block hint", place: "Rampur", hints: Hints{Blocks: []string{"katghora"}}, wantDistrict: "Korba", wantBlock: "Katghora", wantExplain: "block hint"},
		{name: "district in text", place: "Rampur", hints: Hints{Text: "Rampur gram panchayat, Korba"}, wantDistrict: "Korba", wantBlock: "Katghora", wantExplain: "text"},
		{name: "unknown", place: "Atlantis", wantReview: true, wantExplain: "no gazetteer entry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := r.Resolve(ctx, tt.place, tt.hints)
			if err != nil {
				t.Fatal(err)
			}
			if h.NeedsReview != tt.wantReview {
				t.Fatalf("NeedsReview = %v, hierarchy %+v", h.NeedsReview, h)
			}
			if h.District != tt.wantDistrict || h.Block != tt.wantBlock {
				t.Fatalf("district/block = %q/%q, want %q/%q", h.District, h.Block, tt.wantDistrict, tt.wantBlock)
			}
			if tt.wantExplain != "" && !strings.Contains(strings.Join(h.Explanations, " | "), tt.wantExplain) {
				t.Fatalf("explanations %v lack %q", h.Explanations, tt.wantExplain)
			}
			if !tt.wantReview && h.State != "Chhattisgarh" {
				t.Fatalf("state = %q", h.State)
			}
		})
	}
}
