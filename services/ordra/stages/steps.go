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
	"math"
	"strconv"
	"strings"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"github.com/AleutianAI/ordra/services/ordra/step"
)

// Step kinds of the reference pipeline.
const (
	KindIngest          = "ingest"
	KindExtract         = "extract"
	KindResolveCustomer = "resolve_customer"
	KindMapMaterials    = "map_materials"
	KindCheckCredit     = "check_credit"
	KindCheckATP        = "check_atp"
	KindCheckPricing    = "check_pricing"
	KindAssembleOrder   = "assemble_order"
)

// Credit statuses written by check_credit.
const (
	CreditOK      = "ok"
	CreditBlocked = "blocked"
	CreditUnknown = "unknown"
)

// ReasonUnmapped marks a line whose customer material has no alias.
const ReasonUnmapped = "unmapped"

// DefaultPriceTolerance is the accepted relative deviation between the
// quoted and the list price.
const DefaultPriceTolerance = 0.05

// Deps are the collaborators of the reference steps.
type Deps struct {
	Directory *Directory
	Catalog   *Catalog
	ERP       ERPConnector

	// PriceTolerance defaults to DefaultPriceTolerance.
	PriceTolerance float64

	// Currency defaults to "INR".
	Currency string
}

// Register adds every reference step kind to reg.
func Register(reg *step.Registry, deps Deps) error {
	if deps.Directory == nil || deps.Catalog == nil || deps.ERP == nil {
		return errors.New("stages: directory, catalog and ERP are required")
	}
	if deps.PriceTolerance <= 0 {
		deps.PriceTolerance = DefaultPriceTolerance
	}
	if deps.Currency == "" {
		deps.Currency = "INR"
	}
	s := &steps{deps: deps}

	regs := []struct {
		kind     string
		fn       step.Func
		required []string
	}{
		{KindIngest, s.ingest, []string{"sender", "sender_domain", "document"}},
		{KindExtract, s.extract, []string{"sender", "po_number", "lines", "confidence", "flags"}},
		{KindResolveCustomer, s.resolveCustomer, []string{"customer_id", "trust_tier", "sold_to", "resolution"}},
		{KindMapMaterials, s.mapMaterials, []string{"lines"}},
		{KindCheckCredit, s.checkCredit, []string{"status", "amount"}},
		{KindCheckATP, s.checkATP, []string{"available", "plant"}},
		{KindCheckPricing, s.checkPricing, []string{"within_tolerance", "lines"}},
		{KindAssembleOrder, s.assembleOrder, []string{"order", "valid", "issues"}},
	}
	for _, r := range regs {
		if err := reg.Register(r.kind, r.fn, r.required...); err != nil {
			return err
		}
	}
	return nil
}

type steps struct {
	deps Deps
}

// ingest normalizes the intake envelope.
func (s *steps) ingest(_ context.Context, in step.Input) (map[string]any, error) {
	doc := in.Fields(datatypes.InputKey)
	if doc == nil {
		return nil, step.Permanentf("intake document is missing")
	}
	body, ok := doc["document"].(map[string]any)
	if !ok {
		return nil, step.Permanentf("intake has no order document")
	}
	sender := strings.ToLower(strings.TrimSpace(str(doc["sender"])))
	domain := ""
	if i := strings.LastIndexByte(sender, '@'); i >= 0 {
		domain = sender[i+1:]
	}
	out := map[string]any{
		"sender":        sender,
		"sender_domain": domain,
		"subject":       str(doc["subject"]),
		"document":      body,
		"flags":         flags(doc["flags"]),
	}
	if c, ok := number(doc["confidence"]); ok {
		out["confidence"] = c
	}
	return out, nil
}

// extract pulls the order fields out of the document. Fields the document
// lacks are left out so the gate can ask the customer for them.
func (s *steps) extract(_ context.Context, in step.Input) (map[string]any, error) {
	ing := in.Fields(KindIngest)
	doc, _ := ing["document"].(map[string]any)

	out := map[string]any{
		"sender": ing["sender"],
		"flags":  ing["flags"],
	}
	if c, ok := ing["confidence"]; ok {
		out["confidence"] = c
	}
	if po := strings.TrimSpace(str(doc["po_number"])); po != "" {
		out["po_number"] = po
	}
	if st := strings.TrimSpace(str(doc["ship_to"])); st != "" {
		out["ship_to"] = st
	}
	if d := strings.TrimSpace(str(doc["requested_date"])); d != "" {
		out["requested_date"] = d
	}

	rawLines, _ := doc["lines"].([]any)
	lines := make([]any, 0, len(rawLines))
	for i, raw := range rawLines {
		src, _ := raw.(map[string]any)
		line := map[string]any{"line_no": float64(i + 1)}
		if cm := strings.TrimSpace(str(src["customer_material"])); cm != "" {
			line["customer_material"] = cm
		}
		if q, ok := number(src["qty"]); ok {
			line["qty"] = q
		}
		if u := strings.ToUpper(strings.TrimSpace(str(src["uom"]))); u != "" {
			line["uom"] = u
		}
		if p, ok := number(src["price"]); ok {
			line["price"] = p
		}
		lines = append(lines, line)
	}
	out["lines"] = lines
	return out, nil
}

// resolveCustomer identifies the sender. Unknown senders produce no
// customer fields.
func (s *steps) resolveCustomer(_ context.Context, in step.Input) (map[string]any, error) {
	sender := str(in.Resolve("extract.sender"))
	c, how, ok := s.deps.Directory.Resolve(sender)
	if !ok {
		return map[string]any{"resolution": ResolutionUnknown, "sender": sender}, nil
	}
	shipTo := c.ShipTo
	if st := str(in.Resolve("extract.ship_to")); st != "" {
		shipTo = st
	}
	return map[string]any{
		"customer_id": c.ID,
		"name":        c.Name,
		"trust_tier":  c.TrustTier,
		"sold_to":     c.SoldTo,
		"ship_to":     shipTo,
		"resolution":  how,
	}, nil
}

// mapMaterials translates customer material numbers. Lines without an
// alias carry an Unknown material for a reviewer to fill in.
func (s *steps) mapMaterials(_ context.Context, in step.Input) (map[string]any, error) {
	customerID := str(in.Resolve("resolve_customer.customer_id"))
	lines, _ := in.Resolve("extract.lines").([]any)

	out := make([]any, 0, len(lines))
	unmapped := 0
	for _, raw := range lines {
		src, _ := raw.(map[string]any)
		cm := str(src["customer_material"])
		line := map[string]any{
			"line_no":           src["line_no"],
			"customer_material": cm,
		}
		if m, ok := s.deps.Catalog.Map(customerID, cm); ok {
			line["material"] = m.Number
			line["description"] = m.Description
			line["base_uom"] = m.UoM
			line["plant"] = m.Plant
		} else {
			line["material"] = datatypes.NewUnknown(ReasonUnmapped)
			unmapped++
		}
		out = append(out, line)
	}
	return map[string]any{"lines": out, "unmapped": float64(unmapped)}, nil
}

// checkCredit asks the ERP whether the order value fits the credit line.
func (s *steps) checkCredit(ctx context.Context, in step.Input) (map[string]any, error) {
	amount := orderValue(in)
	out := map[string]any{"amount": amount}

	if flag(in.Resolve("extract.flags"), "force_credit_block") {
		out["status"] = CreditBlocked
		out["reason"] = "credit block forced by intake flag"
		return out, nil
	}
	soldTo := str(in.Resolve("resolve_customer.sold_to"))
	if soldTo == "" {
		out["status"] = CreditUnknown
		out["reason"] = "customer not resolved"
		return out, nil
	}
	res, err := s.deps.ERP.CheckCredit(ctx, soldTo, amount)
	if err != nil {
		return nil, classify(err)
	}
	out["limit"] = res.Limit
	out["exposure"] = res.Exposure
	if res.Blocked {
		out["status"] = CreditBlocked
		out["reason"] = res.Reason
	} else {
		out["status"] = CreditOK
	}
	return out, nil
}

// checkATP checks stock for every mapped line. Unmapped lines are left to
// the mapping guardrail.
func (s *steps) checkATP(ctx context.Context, in step.Input) (map[string]any, error) {
	forced := flag(in.Resolve("extract.flags"), "force_atp_short")
	extLines, _ := in.Resolve("extract.lines").([]any)
	mapped, _ := in.Resolve("map_materials.lines").([]any)

	available := true
	results := make([]any, 0, len(mapped))
	for i, raw := range mapped {
		line, _ := raw.(map[string]any)
		material, ok := line["material"].(string)
		if !ok || material == "" {
			continue
		}
		qty, _ := number(field(extLines, i, "qty"))
		ok, err := s.deps.ERP.CheckAvailability(ctx, material, qty)
		if err != nil {
			return nil, classify(err)
		}
		if forced {
			ok = false
		}
		available = available && ok
		results = append(results, map[string]any{
			"line_no":   line["line_no"],
			"material":  material,
			"qty":       qty,
			"available": ok,
		})
	}
	out := map[string]any{
		"available": available,
		"plant":     DefaultPlant,
		"route":     DefaultRoute,
		"lines":     results,
	}
	if forced {
		out["reason"] = "availability shortfall forced by intake flag"
	}
	return out, nil
}

// checkPricing compares quoted prices with ERP list prices.
func (s *steps) checkPricing(ctx context.Context, in step.Input) (map[string]any, error) {
	soldTo := str(in.Resolve("resolve_customer.sold_to"))
	extLines, _ := in.Resolve("extract.lines").([]any)
	mapped, _ := in.Resolve("map_materials.lines").([]any)

	within := true
	results := make([]any, 0, len(mapped))
	for i, raw := range mapped {
		line, _ := raw.(map[string]any)
		material, ok := line["material"].(string)
		if !ok || material == "" {
			continue
		}
		list, err := s.deps.ERP.Price(ctx, soldTo, material)
		if err != nil {
			return nil, classify(err)
		}
		quoted, hasQuote := number(field(extLines, i, "price"))
		if !hasQuote {
			quoted = list
		}
		deviation := 0.0
		if list > 0 {
			deviation = math.Abs(quoted-list) / list
		}
		ok = deviation <= s.deps.PriceTolerance
		within = within && ok
		results = append(results, map[string]any{
			"line_no":          line["line_no"],
			"material":         material,
			"unit_price":       list,
			"quoted_price":     quoted,
			"deviation":        round4(deviation),
			"within_tolerance": ok,
		})
	}
	return map[string]any{
		"within_tolerance": within,
		"tolerance":        s.deps.PriceTolerance,
		"currency":         s.deps.Currency,
		"lines":            results,
	}, nil
}

// assembleOrder builds the sales order and runs ERP validation. Posting
// happens later, and only on AUTO_POST.
func (s *steps) assembleOrder(ctx context.Context, in step.Input) (map[string]any, error) {
	order := BuildOrder(in.Context, s.deps.Currency)
	issues, err := s.deps.ERP.Validate(ctx, order)
	if err != nil {
		return nil, classify(err)
	}
	orderMap, err := toMap(order)
	if err != nil {
		return nil, step.Permanent(err)
	}
	issueList, err := toList(issues)
	if err != nil {
		return nil, step.Permanent(err)
	}
	return map[string]any{
		"order":  orderMap,
		"valid":  !Blocking(issues),
		"issues": issueList,
	}, nil
}

// BuildOrder assembles a sales order from the upstream outputs in c.
func BuildOrder(c datatypes.Context, currency string) SalesOrder {
	reqDate := str(c.Resolve("extract.requested_date"))
	plant := str(c.Resolve("check_atp.plant"))
	if plant == "" {
		plant = DefaultPlant
	}
	order := SalesOrder{
		Header: OrderHeader{
			DocType:     DocTypeStandard,
			SalesOrg:    DefaultSalesOrg,
			DistChannel: DefaultDistChannel,
			Division:    DefaultDivision,
			PONumber:    str(c.Resolve("extract.po_number")),
			ReqDate:     reqDate,
		},
		Partners: []Partner{
			{Role: partnerSoldTo, Number: str(c.Resolve("resolve_customer.sold_to"))},
			{Role: partnerShipTo, Number: str(c.Resolve("resolve_customer.ship_to"))},
		},
		Items:    []OrderItem{},
		Currency: currency,
	}

	extLines, _ := c.Resolve("extract.lines").([]any)
	mapped, _ := c.Resolve("map_materials.lines").([]any)
	priced, _ := c.Resolve("check_pricing.lines").([]any)
	prices := make(map[string]float64, len(priced))
	for _, raw := range priced {
		if p, ok := raw.(map[string]any); ok {
			if v, ok := number(p["unit_price"]); ok {
				prices[str(p["material"])] = v
			}
		}
	}

	for i := range extLines {
		material, _ := field(mapped, i, "material").(string)
		qty, _ := number(field(extLines, i, "qty"))
		linePlant := plant
		if p := str(field(mapped, i, "plant")); p != "" {
			linePlant = p
		}
		item := OrderItem{
			ItemNumber: ItemNumber(i + 1),
			Material:   material,
			Plant:      linePlant,
			Qty:        qty,
			UoM:        str(field(extLines, i, "uom")),
			UnitPrice:  prices[material],
			ReqDate:    reqDate,
		}
		order.Total += item.Qty * item.UnitPrice
		order.Items = append(order.Items, item)
	}
	order.Total = round4(order.Total)
	return order
}

// orderValue is the quoted value of the order, falling back to list
// prices for unquoted lines.
func orderValue(in step.Input) float64 {
	lines, _ := in.Resolve("extract.lines").([]any)
	total := 0.0
	for _, raw := range lines {
		line, _ := raw.(map[string]any)
		qty, _ := number(line["qty"])
		price, _ := number(line["price"])
		total += qty * price
	}
	return round4(total)
}

// classify maps connector errors to step failure classes.
func classify(err error) error {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return step.Transient(err)
	}
	return step.Permanent(err)
}

func field(list []any, i int, name string) any {
	if i < 0 || i >= len(list) {
		return nil
	}
	m, _ := list[i].(map[string]any)
	return m[name]
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil, datatypes.Unknown:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func flags(v any) map[string]any {
	out := map[string]any{"force_credit_block": false, "force_atp_short": false}
	if m, ok := v.(map[string]any); ok {
		for k := range out {
			if b, ok := m[k].(bool); ok {
				out[k] = b
			}
		}
	}
	return out
}

func flag(v any, name string) bool {
	m, _ := v.(map[string]any)
	b, _ := m[name].(bool)
	return b
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	return out, json.Unmarshal(data, &out)
}

func toList(v any) ([]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []any
	return out, json.Unmarshal(data, &out)
}
