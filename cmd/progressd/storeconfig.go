package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/MarkoPoloResearchLab/playledger/pkg/purchase"
)

// storeConfig is the JSON file feeding the purchase workflow: the product
// catalog plus per-child family profiles. Children absent from the file fall
// back to the default profile.
type storeConfig struct {
	Products       []productConfig          `json:"products"`
	DefaultProfile profileConfig            `json:"default_profile"`
	Children       map[string]profileConfig `json:"children"`
}

type productConfig struct {
	ProductID          string `json:"product_id"`
	Category           string `json:"category"`
	CurrencyID         string `json:"currency_id"`
	PriceAmount        int64  `json:"price_amount"`
	PriceCents         int64  `json:"price_cents"`
	AvailableFromUnix  int64  `json:"available_from_unix"`
	AvailableUntilUnix int64  `json:"available_until_unix"`
	MinAgeYears        int64  `json:"min_age_years"`
	MaxAgeYears        int64  `json:"max_age_years"`
}

type profileConfig struct {
	FamilyID                  string   `json:"family_id"`
	AgeYears                  int64    `json:"age_years"`
	DailyCapCents             int64    `json:"daily_cap_cents"`
	WeeklyCapCents            int64    `json:"weekly_cap_cents"`
	MonthlyCapCents           int64    `json:"monthly_cap_cents"`
	AllowedCategories         []string `json:"allowed_categories"`
	BlockedCategories         []string `json:"blocked_categories"`
	AutoApproveThresholdCents int64    `json:"auto_approve_threshold_cents"`
}

func loadStoreConfig(path string) (*storeConfig, error) {
	if path == "" {
		return &storeConfig{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := &storeConfig{}
	if err := json.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return config, nil
}

// fileCatalog serves products from the store config file.
type fileCatalog struct {
	products map[string]purchase.Product
}

func newFileCatalog(config *storeConfig) *fileCatalog {
	catalog := &fileCatalog{products: make(map[string]purchase.Product, len(config.Products))}
	for _, item := range config.Products {
		productID, err := purchase.NewProductID(item.ProductID)
		if err != nil {
			continue
		}
		catalog.products[item.ProductID] = purchase.Product{
			ProductID:             productID,
			Category:              item.Category,
			CurrencyID:            item.CurrencyID,
			PriceAmount:           item.PriceAmount,
			PriceCents:            item.PriceCents,
			AvailableFromUnixUTC:  item.AvailableFromUnix,
			AvailableUntilUnixUTC: item.AvailableUntilUnix,
			MinAgeYears:           item.MinAgeYears,
			MaxAgeYears:           item.MaxAgeYears,
		}
	}
	return catalog
}

func (catalog *fileCatalog) Product(_ context.Context, productID purchase.ProductID) (purchase.Product, error) {
	product, ok := catalog.products[productID.String()]
	if !ok {
		return purchase.Product{}, fmt.Errorf("product %q: %w", productID.String(), purchase.ErrNotFound)
	}
	return product, nil
}

// fileFamilies resolves child profiles from the store config file.
type fileFamilies struct {
	defaultProfile purchase.ChildProfile
	children       map[string]purchase.ChildProfile
}

func newFileFamilies(config *storeConfig) *fileFamilies {
	families := &fileFamilies{
		defaultProfile: config.DefaultProfile.toProfile(),
		children:       make(map[string]purchase.ChildProfile, len(config.Children)),
	}
	for childID, profile := range config.Children {
		families.children[childID] = profile.toProfile()
	}
	return families
}

func (families *fileFamilies) ChildProfile(_ context.Context, childID purchase.ChildID) (purchase.ChildProfile, error) {
	if profile, ok := families.children[childID.String()]; ok {
		return profile, nil
	}
	return families.defaultProfile, nil
}

func (config profileConfig) toProfile() purchase.ChildProfile {
	return purchase.ChildProfile{
		FamilyID: config.FamilyID,
		AgeYears: config.AgeYears,
		Limits: purchase.SpendingLimits{
			DailyCapCents:     config.DailyCapCents,
			WeeklyCapCents:    config.WeeklyCapCents,
			MonthlyCapCents:   config.MonthlyCapCents,
			AllowedCategories: config.AllowedCategories,
			BlockedCategories: config.BlockedCategories,
		},
		AutoApproveThresholdCents: config.AutoApproveThresholdCents,
	}
}
