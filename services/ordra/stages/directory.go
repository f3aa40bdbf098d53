// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stages implements the reference order-intake pipeline: the step
// kinds that turn an inbound purchase order into a validated ERP sales
// order, the customer and material master data they consult, and a stub
// ERP connector.
//
// The pipeline definition, gate policy and demo master data are embedded,
// so `ordra run` and the tests work without any files on disk.
package stages

import (
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"gopkg.in/yaml.v3"
)

// Trust tiers. Only GOLD and SILVER customers are allowlisted for
// automatic posting by the default policy.
const (
	TierGold   = "GOLD"
	TierSilver = "SILVER"
	TierBronze = "BRONZE"
)

// Resolution methods reported by resolve_customer.
const (
	ResolutionEmail   = "EXACT_EMAIL_MATCH"
	ResolutionDomain  = "DOMAIN_MATCH"
	ResolutionUnknown = "UNKNOWN"
)

// Customer is one entry of the customer master.
type Customer struct {
	ID          string   `yaml:"id" json:"id" validate:"required"`
	Name        string   `yaml:"name" json:"name"`
	TrustTier   string   `yaml:"trust_tier" json:"trust_tier" validate:"required,oneof=GOLD SILVER BRONZE"`
	SoldTo      string   `yaml:"sold_to" json:"sold_to" validate:"required,max=10"`
	ShipTo      string   `yaml:"ship_to" json:"ship_to" validate:"max=10"`
	CreditLimit float64  `yaml:"credit_limit" json:"credit_limit" validate:"gte=0"`
	Exposure    float64  `yaml:"exposure" json:"exposure" validate:"gte=0"`
	Emails      []string `yaml:"emails" json:"emails"`
	Domains     []string `yaml:"domains" json:"domains"`
}

// Directory resolves sender addresses to customers.
//
// Exact address matches win over domain matches. Lookups are
// case-insensitive.
type Directory struct {
	customers []Customer
	bySoldTo  map[string]Customer
}

type directoryFile struct {
	Customers []Customer `yaml:"customers" validate:"required,dive"`
}

// ParseDirectory decodes customer master YAML.
func ParseDirectory(data []byte) (*Directory, error) {
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse customer directory: %w", err)
	}
	if err := datatypes.Validator().Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid customer directory: %w", err)
	}
	return NewDirectory(f.Customers...), nil
}

// LoadDirectory reads customer master YAML from path.
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read customer directory %s: %w", path, err)
	}
	return ParseDirectory(data)
}

// NewDirectory builds a directory from customers.
func NewDirectory(customers ...Customer) *Directory {
	d := &Directory{bySoldTo: make(map[string]Customer, len(customers))}
	for _, c := range customers {
		if c.ShipTo == "" {
			c.ShipTo = c.SoldTo
		}
		d.customers = append(d.customers, c)
		d.bySoldTo[c.SoldTo] = c
	}
	return d
}

// Resolve finds the customer for a sender address and reports how it
// matched.
func (d *Directory) Resolve(sender string) (Customer, string, bool) {
	sender = strings.ToLower(strings.TrimSpace(sender))
	if sender == "" {
		return Customer{}, ResolutionUnknown, false
	}
	for _, c := range d.customers {
		for _, e := range c.Emails {
			if strings.ToLower(e) == sender {
				return c, ResolutionEmail, true
			}
		}
	}
	for _, c := range d.customers {
		for _, dom := range c.Domains {
			if strings.HasSuffix(sender, "@"+strings.ToLower(dom)) {
				return c, ResolutionDomain, true
			}
		}
	}
	return Customer{}, ResolutionUnknown, false
}

// BySoldTo returns the customer with the given sold-to party number.
func (d *Directory) BySoldTo(soldTo string) (Customer, bool) {
	c, ok := d.bySoldTo[soldTo]
	return c, ok
}
