// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
)

// ErrNoOrder is returned by OrderPoster when the context holds no
// assembled order.
var ErrNoOrder = errors.New("no assembled order in context")

// OrderPoster posts the order built by assemble_order. It is the
// side-effecting action the executor runs after an AUTO_POST verdict.
type OrderPoster struct {
	ERP ERPConnector
}

// Post implements executor.Poster.
func (p OrderPoster) Post(ctx context.Context, c datatypes.Context) (datatypes.PostResult, error) {
	order, err := OrderFromContext(c)
	if err != nil {
		return datatypes.PostResult{}, err
	}
	return p.ERP.Post(ctx, order)
}

// OrderFromContext decodes assemble_order.order.
func OrderFromContext(c datatypes.Context) (SalesOrder, error) {
	raw, ok := c.Resolve(KindAssembleOrder + ".order").(map[string]any)
	if !ok {
		return SalesOrder{}, ErrNoOrder
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return SalesOrder{}, fmt.Errorf("encode order: %w", err)
	}
	var order SalesOrder
	if err := json.Unmarshal(data, &order); err != nil {
		return SalesOrder{}, fmt.Errorf("decode order: %w", err)
	}
	return order, nil
}
