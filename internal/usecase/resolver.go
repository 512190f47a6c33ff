package usecase

import (
	"strings"

	"writeoff-bot/internal/domain"
)

// ResolveItems matches item names against the product catalog and fills in
// ProductID/MatchedName. Precedence per item, first hit wins:
//
//  1. exact name equality,
//  2. substring match in either direction,
//  3. exact match against the product code or secondary code.
//
// Matching is case-insensitive and trimmed. Ties within a tier are broken
// by catalog iteration order, which is stable across calls for a given
// snapshot. Items with a parse error, or with a ProductID already set, pass
// through untouched.
func ResolveItems(items []domain.ParsedItem, products []domain.CatalogEntry) []domain.ParsedItem {
	resolved := make([]domain.ParsedItem, len(items))
	for i, item := range items {
		resolved[i] = item
		if item.ParseError || item.ProductID != "" {
			continue
		}
		if p := findProduct(item.Name, products); p != nil {
			resolved[i].ProductID = p.ID
			resolved[i].MatchedName = p.Name
		}
	}
	return resolved
}

func findProduct(name string, products []domain.CatalogEntry) *domain.CatalogEntry {
	search := strings.ToLower(strings.TrimSpace(name))
	if search == "" {
		return nil
	}

	for i := range products {
		if strings.ToLower(products[i].Name) == search {
			return &products[i]
		}
	}
	for i := range products {
		pname := strings.ToLower(products[i].Name)
		if pname == "" {
			continue
		}
		if strings.Contains(pname, search) || strings.Contains(search, pname) {
			return &products[i]
		}
	}
	for i := range products {
		if strings.ToLower(products[i].Code) == search || strings.ToLower(products[i].Num) == search {
			return &products[i]
		}
	}
	return nil
}

// SearchProducts returns up to limit catalog products whose name, code or
// secondary code matches the query, using the same precedence as
// ResolveItems but collecting every hit instead of the first.
func SearchProducts(query string, products []domain.CatalogEntry, limit int) []domain.CatalogEntry {
	search := strings.ToLower(strings.TrimSpace(query))
	if search == "" || limit <= 0 {
		return nil
	}

	var out []domain.CatalogEntry
	seen := map[string]bool{}
	appendHit := func(p domain.CatalogEntry) bool {
		if seen[p.ID] {
			return len(out) < limit
		}
		seen[p.ID] = true
		out = append(out, p)
		return len(out) < limit
	}

	for _, p := range products {
		if strings.ToLower(p.Name) == search && !appendHit(p) {
			return out
		}
	}
	for _, p := range products {
		pname := strings.ToLower(p.Name)
		if pname == "" {
			continue
		}
		if (strings.Contains(pname, search) || strings.Contains(search, pname)) && !appendHit(p) {
			return out
		}
	}
	for _, p := range products {
		if (strings.ToLower(p.Code) == search || strings.ToLower(p.Num) == search) && !appendHit(p) {
			return out
		}
	}
	return out
}
