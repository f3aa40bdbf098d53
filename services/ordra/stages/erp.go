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
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"golang.org/x/time/rate"
)

// Sales order defaults.
const (
	DocTypeStandard     = "OR"
	DefaultSalesOrg     = "IN01"
	DefaultDistChannel  = "10"
	DefaultDivision     = "00"
	DefaultPlant        = "IN01"
	DefaultRoute        = "ROAD"
	StubOrderNumber     = "0090012345"
	partnerSoldTo       = "AG"
	partnerShipTo       = "WE"
	itemNumberIncrement = 10
)

// Issue severities.
const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityBlock = "BLOCK"
)

// ERP operation names, used by StubERP.FailFirst.
const (
	OpCredit       = "credit"
	OpAvailability = "availability"
	OpPrice        = "price"
	OpValidate     = "validate"
	OpPost         = "post"
)

var (
	// ErrUnavailable is returned when the ERP system cannot be reached.
	// Steps treat it as transient.
	ErrUnavailable = errors.New("erp unavailable")

	// ErrUnknownMaterial is returned for material numbers the ERP lacks.
	ErrUnknownMaterial = errors.New("unknown material")

	// ErrRejected is returned by Post when the ERP refuses the order.
	ErrRejected = errors.New("erp rejected order")
)

// OrderHeader is the header of a sales order.
type OrderHeader struct {
	DocType     string `json:"doc_type"`
	SalesOrg    string `json:"sales_org"`
	DistChannel string `json:"dist_channel"`
	Division    string `json:"division"`
	PONumber    string `json:"po_number"`
	ReqDate     string `json:"req_date,omitempty"`
}

// Partner is a sales order partner function.
type Partner struct {
	Role   string `json:"role"`
	Number string `json:"number"`
}

// OrderItem is one sales order line.
type OrderItem struct {
	ItemNumber string  `json:"item_number"`
	Material   string  `json:"material"`
	Plant      string  `json:"plant"`
	Qty        float64 `json:"qty"`
	UoM        string  `json:"uom"`
	UnitPrice  float64 `json:"unit_price"`
	ReqDate    string  `json:"req_date,omitempty"`
}

// SalesOrder is the order payload sent to the ERP system.
type SalesOrder struct {
	Header   OrderHeader `json:"header"`
	Partners []Partner   `json:"partners"`
	Items    []OrderItem `json:"items"`
	Currency string      `json:"currency"`
	Total    float64     `json:"total"`
}

// SoldTo returns the sold-to partner number, or "".
func (o SalesOrder) SoldTo() string {
	return o.partner(partnerSoldTo)
}

// ShipTo returns the ship-to partner number, or "".
func (o SalesOrder) ShipTo() string {
	return o.partner(partnerShipTo)
}

func (o SalesOrder) partner(role string) string {
	for _, p := range o.Partners {
		if p.Role == role {
			return p.Number
		}
	}
	return ""
}

// Issue is one ERP validation finding.
type Issue struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
	Item     string `json:"item,omitempty"`
}

// CreditResult is the outcome of a credit check.
type CreditResult struct {
	Blocked  bool    `json:"blocked"`
	Reason   string  `json:"reason,omitempty"`
	Limit    float64 `json:"limit"`
	Exposure float64 `json:"exposure"`
}

// ERPConnector is the contract to the order-management system.
//
// Validate and the check methods must be free of side effects. Post is the
// only side-effecting call and is issued only after an AUTO_POST verdict.
type ERPConnector interface {
	CheckCredit(ctx context.Context, soldTo string, amount float64) (CreditResult, error)
	CheckAvailability(ctx context.Context, material string, qty float64) (bool, error)
	Price(ctx context.Context, soldTo, material string) (float64, error)
	Validate(ctx context.Context, order SalesOrder) ([]Issue, error)
	Post(ctx context.Context, order SalesOrder) (datatypes.PostResult, error)
}

// StubConfig configures StubERP.
type StubConfig struct {
	// RatePerSecond throttles all calls. Zero means unlimited.
	RatePerSecond float64
	Burst         int

	// OrderNumber is returned by every successful Post.
	OrderNumber string
}

// StubERP is a deterministic ERP connector backed by the demo master data.
//
// # Thread Safety
//
// Safe for concurrent use.
type StubERP struct {
	directory *Directory
	catalog   *Catalog
	limiter   *rate.Limiter
	orderNo   string
	now       func() time.Time

	mu        sync.Mutex
	failFirst map[string]int
	calls     map[string]int
	posted    []SalesOrder
}

// NewStubERP creates a stub over the given master data.
func NewStubERP(dir *Directory, cat *Catalog, cfg StubConfig) *StubERP {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	orderNo := cfg.OrderNumber
	if orderNo == "" {
		orderNo = StubOrderNumber
	}
	return &StubERP{
		directory: dir,
		catalog:   cat,
		limiter:   limiter,
		orderNo:   orderNo,
		now:       time.Now,
		failFirst: make(map[string]int),
		calls:     make(map[string]int),
	}
}

// FailFirst makes the next n calls of op fail with ErrUnavailable.
func (s *StubERP) FailFirst(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFirst[op] = n
}

// Calls returns how many times op was invoked.
func (s *StubERP) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Posted returns the orders accepted by Post.
func (s *StubERP) Posted() []SalesOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SalesOrder(nil), s.posted...)
}

func (s *StubERP) enter(ctx context.Context, op string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s throttled: %v", ErrUnavailable, op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if s.failFirst[op] > 0 {
		s.failFirst[op]--
		return fmt.Errorf("%w: %s", ErrUnavailable, op)
	}
	return nil
}

// CheckCredit blocks the order when exposure plus amount exceeds the
// customer's credit limit.
func (s *StubERP) CheckCredit(ctx context.Context, soldTo string, amount float64) (CreditResult, error) {
	if err := s.enter(ctx, OpCredit); err != nil {
		return CreditResult{}, err
	}
	c, ok := s.directory.BySoldTo(soldTo)
	if !ok {
		return CreditResult{Blocked: true, Reason: fmt.Sprintf("sold-to %s has no credit account", soldTo)}, nil
	}
	res := CreditResult{Limit: c.CreditLimit, Exposure: c.Exposure}
	if c.Exposure+amount > c.CreditLimit {
		res.Blocked = true
		res.Reason = fmt.Sprintf("credit limit exceeded: exposure %.2f + order %.2f > limit %.2f", c.Exposure, amount, c.CreditLimit)
	}
	return res, nil
}

// CheckAvailability reports whether stock covers qty.
func (s *StubERP) CheckAvailability(ctx context.Context, material string, qty float64) (bool, error) {
	if err := s.enter(ctx, OpAvailability); err != nil {
		return false, err
	}
	m, ok := s.catalog.Material(material)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownMaterial, material)
	}
	return m.Stock >= qty, nil
}

// Price returns the list price of material.
func (s *StubERP) Price(ctx context.Context, _ string, material string) (float64, error) {
	if err := s.enter(ctx, OpPrice); err != nil {
		return 0, err
	}
	m, ok := s.catalog.Material(material)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMaterial, material)
	}
	return m.ListPrice, nil
}

// Validate checks the order the way a create-order dry run would.
func (s *StubERP) Validate(ctx context.Context, order SalesOrder) ([]Issue, error) {
	if err := s.enter(ctx, OpValidate); err != nil {
		return nil, err
	}
	return validateOrder(order, s.directory, s.catalog), nil
}

// Post creates the order and returns the deterministic order number.
func (s *StubERP) Post(ctx context.Context, order SalesOrder) (datatypes.PostResult, error) {
	if err := s.enter(ctx, OpPost); err != nil {
		return datatypes.PostResult{}, err
	}
	for _, is := range validateOrder(order, s.directory, s.catalog) {
		if is.Severity == SeverityBlock {
			return datatypes.PostResult{}, fmt.Errorf("%w: %s", ErrRejected, is.Message)
		}
	}
	s.mu.Lock()
	s.posted = append(s.posted, order)
	s.mu.Unlock()
	return datatypes.PostResult{
		OrderNumber: s.orderNo,
		Message:     fmt.Sprintf("standard order %s created for PO %s", s.orderNo, order.Header.PONumber),
		PostedAt:    s.now().UTC(),
	}, nil
}

func validateOrder(order SalesOrder, dir *Directory, cat *Catalog) []Issue {
	issues := []Issue{}
	add := func(code, sev, field, item, format string, args ...any) {
		issues = append(issues, Issue{Code: code, Severity: sev, Field: field, Item: item, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(order.Header.PONumber) == "" {
		add("PO_MISSING", SeverityBlock, "po_number", "", "purchase order number is missing")
	} else if len(order.Header.PONumber) > 35 {
		add("PO_TOO_LONG", SeverityBlock, "po_number", "", "purchase order number exceeds 35 characters")
	}
	soldTo := order.SoldTo()
	if soldTo == "" {
		add("CUST_MISSING", SeverityBlock, "sold_to", "", "sold-to party is missing")
	} else if _, ok := dir.BySoldTo(soldTo); !ok {
		add("CUST_NOT_FOUND", SeverityBlock, "sold_to", "", "sold-to %s not found", soldTo)
	}
	if order.ShipTo() == "" {
		add("SHIPTO_MISSING", SeverityWarn, "ship_to", "", "ship-to party is missing")
	}
	if len(order.Items) == 0 {
		add("NO_ITEMS", SeverityBlock, "items", "", "order has no items")
	}
	for _, it := range order.Items {
		m, ok := cat.Material(it.Material)
		switch {
		case it.Material == "":
			add("MAT_MISSING", SeverityBlock, "material", it.ItemNumber, "item %s has no material", it.ItemNumber)
		case !ok:
			add("MAT_NOT_FOUND", SeverityBlock, "material", it.ItemNumber, "material %s not found", it.Material)
		case it.UoM != "" && !strings.EqualFold(it.UoM, m.UoM):
			add("UOM_MISMATCH", SeverityBlock, "uom", it.ItemNumber, "item %s unit %s does not match base unit %s", it.ItemNumber, it.UoM, m.UoM)
		}
		if it.Qty <= 0 || math.IsNaN(it.Qty) {
			add("QTY_INVALID", SeverityBlock, "qty", it.ItemNumber, "item %s quantity must be positive", it.ItemNumber)
		}
	}
	return issues
}

// Blocking reports whether any issue has BLOCK severity.
func Blocking(issues []Issue) bool {
	for _, is := range issues {
		if is.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// ItemNumber formats the n-th (1-based) item number as the ERP expects.
func ItemNumber(n int) string {
	return fmt.Sprintf("%06d", n*itemNumberIncrement)
}
