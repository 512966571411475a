package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// PackageSpec describes one purchasable bundle of generations.
type PackageSpec struct {
	Title       string `yaml:"title"`
	Generations int    `yaml:"generations"`
	Price       int    `yaml:"price"`
	Currency    string `yaml:"currency"`
}

type packagesFile struct {
	Packages []PackageSpec `yaml:"packages"`
}

// DefaultPackages is the catalog used when PACKAGES_FILE is not set.
func DefaultPackages(currency string) []PackageSpec {
	return []PackageSpec{
		{Title: "5 фото", Generations: 5, Price: 99, Currency: currency},
		{Title: "10 фото", Generations: 10, Price: 169, Currency: currency},
		{Title: "100 фото", Generations: 100, Price: 799, Currency: currency},
	}
}

// LoadPackages reads the package catalog from a YAML file, or returns the defaults.
//
//	packages:
//	  - title: "5 фото"
//	    generations: 5
//	    price: 99
func LoadPackages(path, currency string) ([]PackageSpec, error) {
	if path == "" {
		return DefaultPackages(currency), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read packages file: %w", err)
	}
	var parsed packagesFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse packages file: %w", err)
	}
	if len(parsed.Packages) == 0 {
		return nil, fmt.Errorf("packages file %s defines no packages", path)
	}
	seen := make(map[int]struct{}, len(parsed.Packages))
	for i := range parsed.Packages {
		p := &parsed.Packages[i]
		if p.Generations <= 0 || p.Price <= 0 {
			return nil, fmt.Errorf("package %d: generations and price must be positive", i)
		}
		if _, dup := seen[p.Generations]; dup {
			return nil, fmt.Errorf("package %d: duplicate generations %d", i, p.Generations)
		}
		seen[p.Generations] = struct{}{}
		if p.Currency == "" {
			p.Currency = currency
		}
		if p.Title == "" {
			p.Title = fmt.Sprintf("%d фото", p.Generations)
		}
	}
	sort.Slice(parsed.Packages, func(i, j int) bool {
		return parsed.Packages[i].Generations < parsed.Packages[j].Generations
	})
	return parsed.Packages, nil
}
