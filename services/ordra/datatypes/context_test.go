// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) Context {
	t.Helper()
	c, err := NewContext(map[string]any{
		"po_number": "PO-1",
		"lines": []map[string]any{
			{"customer_material": "CM-1", "qty": 5},
		},
	})
	require.NoError(t, err)
	c["map_materials"] = Output{Kind: "map_materials", Fields: map[string]any{
		"lines": []any{
			map[string]any{"customer_material": "CM-1", "material": NewUnknown("unmapped_material")},
		},
	}}
	c["check_credit"] = UnknownOutput("check_credit", ReasonStageFailed)
	return c
}

func TestContext_Resolve(t *testing.T) {
	c := testContext(t)

	assert.Equal(t, "PO-1", c.Resolve("input.po_number"))
	assert.Equal(t, float64(5), c.Resolve("input.lines.0.qty"))
	assert.Equal(t, NewUnknown("unmapped_material"), c.Resolve("map_materials.lines.0.material"))
	assert.Equal(t, NewUnknown(ReasonStageFailed), c.Resolve("check_credit.status"))
	assert.Equal(t, NewUnknown(ReasonStageMissing), c.Resolve("nope.x"))
	assert.Equal(t, NewUnknown(ReasonFieldMissing), c.Resolve("input.missing"))
	assert.Equal(t, NewUnknown(ReasonFieldMissing), c.Resolve("input.lines.7"))
	assert.Equal(t, NewUnknown(ReasonFieldMissing), c.Resolve("input..x"))
}

func TestContext_Set(t *testing.T) {
	c := testContext(t)

	require.NoError(t, c.Set("map_materials.lines.0.material", "MAT-100"))
	assert.Equal(t, "MAT-100", c.Resolve("map_materials.lines.0.material"))

	require.NoError(t, c.Set("input.lines.0.qty", 7))
	assert.Equal(t, 7, c.Resolve("input.lines.0.qty"))

	require.NoError(t, c.Set("map_materials.lines.0", map[string]any{"material": "MAT-200"}))
	assert.Equal(t, "MAT-200", c.Resolve("map_materials.lines.0.material"))
}

func TestContext_Set_UnknownPaths(t *testing.T) {
	c := testContext(t)

	tests := []string{
		"nope.field",
		"check_credit.status",
		"input.po_number.deeper",
		"input.absent.child",
		"input.lines.9",
		"input.ship_to",
		"map_materials.lines.0.materail",
		"map_materials.unmapped",
	}
	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			err := c.Set(path, "x")
			assert.True(t, errors.Is(err, ErrUnknownPath), "got %v", err)
		})
	}

	err := c.Set("input.", "x")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestContext_CloneIsDeep(t *testing.T) {
	c := testContext(t)
	clone, err := c.Clone()
	require.NoError(t, err)

	require.NoError(t, clone.Set("input.po_number", "CHANGED"))
	assert.Equal(t, "PO-1", c.Resolve("input.po_number"))
	assert.Equal(t, NewUnknown("unmapped_material"), clone.Resolve("map_materials.lines.0.material"))
}

func TestContext_Restrict(t *testing.T) {
	c := testContext(t)
	view, err := c.Restrict([]string{"input", "ghost"})
	require.NoError(t, err)

	assert.Len(t, view, 2)
	assert.True(t, view["ghost"].IsUnknown())
	_, hasMapping := view["map_materials"]
	assert.False(t, hasMapping)
}

func TestOutput_JSONPreservesUnknown(t *testing.T) {
	c := testContext(t)
	data, err := json.Marshal(c)
	require.NoError(t, err)

	var back Context
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, NewUnknown("unmapped_material"), back.Resolve("map_materials.lines.0.material"))
	assert.True(t, back["check_credit"].IsUnknown())
}

func TestDecision_Rank(t *testing.T) {
	assert.Equal(t, DecisionHold, Stricter(DecisionAutoPost, DecisionHold))
	assert.Equal(t, DecisionAskCustomer, Stricter(DecisionAskCustomer, DecisionCSReview))
	assert.Equal(t, DecisionCSReview, Stricter(DecisionAutoPost, DecisionCSReview))
	assert.Equal(t, DecisionAutoPost, Stricter(DecisionAutoPost, DecisionAutoPost))
	assert.Equal(t, 3, Decision("BOGUS").Rank())
	assert.False(t, Decision("BOGUS").Valid())
}

func TestOverrideRequest_Validate(t *testing.T) {
	ok := OverrideRequest{Author: "cs-1", Corrections: map[string]any{"map_materials.lines.0.material": "M"}}
	assert.NoError(t, ok.Validate())

	noAuthor := OverrideRequest{Corrections: map[string]any{"a.b": 1}}
	assert.Error(t, noAuthor.Validate())

	empty := OverrideRequest{Author: "x", Corrections: map[string]any{}}
	assert.Error(t, empty.Validate())

	badPath := OverrideRequest{Author: "x", Corrections: map[string]any{"a..b": 1}}
	assert.ErrorIs(t, badPath.Validate(), ErrInvalidPath)

	badID := OverrideRequest{ID: "has space", Author: "x", Corrections: map[string]any{"a.b": 1}}
	assert.Error(t, badID.Validate())
}

func TestSubmitJobRequest_Validate(t *testing.T) {
	assert.NoError(t, (&SubmitJobRequest{Input: map[string]any{"a": 1}}).Validate())
	assert.Error(t, (&SubmitJobRequest{}).Validate())
}
