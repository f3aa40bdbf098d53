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
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/ordra/services/ordra/datatypes"
	"gopkg.in/yaml.v3"
)

// Material is one entry of the material master.
type Material struct {
	Number      string  `yaml:"number" json:"number" validate:"required,max=18"`
	Description string  `yaml:"description" json:"description"`
	UoM         string  `yaml:"uom" json:"uom" validate:"required"`
	Plant       string  `yaml:"plant" json:"plant" validate:"required,max=4"`
	ListPrice   float64 `yaml:"list_price" json:"list_price" validate:"gte=0"`
	Stock       float64 `yaml:"stock" json:"stock" validate:"gte=0"`
}

// Alias maps a customer's own material number to a material.
type Alias struct {
	CustomerID       string `yaml:"customer_id" validate:"required"`
	CustomerMaterial string `yaml:"customer_material" validate:"required"`
	Material         string `yaml:"material" validate:"required"`
}

// Catalog is the material master plus customer material aliases.
type Catalog struct {
	materials map[string]Material
	aliases   map[string]string
}

type catalogFile struct {
	Materials []Material `yaml:"materials" validate:"required,dive"`
	Aliases   []Alias    `yaml:"aliases" validate:"dive"`
}

// ParseCatalog decodes material master YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse material catalog: %w", err)
	}
	if err := datatypes.Validator().Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid material catalog: %w", err)
	}
	c := NewCatalog(f.Materials...)
	for _, a := range f.Aliases {
		if err := c.AddAlias(a); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalog reads material master YAML from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read material catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// NewCatalog builds a catalog without aliases.
func NewCatalog(materials ...Material) *Catalog {
	c := &Catalog{
		materials: make(map[string]Material, len(materials)),
		aliases:   make(map[string]string),
	}
	for _, m := range materials {
		c.materials[m.Number] = m
	}
	return c
}

// AddAlias registers a customer material number. The target material must
// exist.
func (c *Catalog) AddAlias(a Alias) error {
	if _, ok := c.materials[a.Material]; !ok {
		return fmt.Errorf("alias %s/%s: unknown material %q", a.CustomerID, a.CustomerMaterial, a.Material)
	}
	c.aliases[aliasKey(a.CustomerID, a.CustomerMaterial)] = a.Material
	return nil
}

// Map resolves a customer's material number.
func (c *Catalog) Map(customerID, customerMaterial string) (Material, bool) {
	num, ok := c.aliases[aliasKey(customerID, customerMaterial)]
	if !ok {
		return Material{}, false
	}
	m, ok := c.materials[num]
	return m, ok
}

// Material looks up a material by number.
func (c *Catalog) Material(number string) (Material, bool) {
	m, ok := c.materials[number]
	return m, ok
}

func aliasKey(customerID, customerMaterial string) string {
	return customerID + "\x00" + strings.ToUpper(strings.TrimSpace(customerMaterial))
}
