package monitor

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FormatAlertMessage renders the group alert: products grouped by warehouse,
// variations grouped under their parent.
func FormatAlertMessage(alerts []Alert, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *ALERTA DE ESTOQUE - %s* \n\n", now.Format("02/01/2006 15:04"))
	b.WriteString("Produtos com estoque zerado ou negativo:\n")

	byWarehouse := make(map[string][]Alert)
	var warehouses []string
	for _, a := range alerts {
		if _, ok := byWarehouse[a.Warehouse]; !ok {
			warehouses = append(warehouses, a.Warehouse)
		}
		byWarehouse[a.Warehouse] = append(byWarehouse[a.Warehouse], a)
	}
	sort.Strings(warehouses)

	for _, warehouse := range warehouses {
		items := byWarehouse[warehouse]
		fmt.Fprintf(&b, "\n🏪 *%s*\n", warehouse)

		families, processed := buildFamilies(items)

		var parents []string
		for parent := range families {
			parents = append(parents, parent)
		}
		sort.Strings(parents)

		for _, parentSKU := range parents {
			parent := findAlert(items, parentSKU)
			if parent == nil {
				continue
			}
			fmt.Fprintf(&b, "\n📦 *%s*\n(SKU PAI: %s)\n\n", parent.Name, parent.SKU)

			variations := families[parentSKU]
			if len(variations) > 0 {
				b.WriteString("   *Variações com estoque zerado:* ⚠️\n")
				for _, v := range variations {
					fmt.Fprintf(&b, "   • %s (SKU: %s)\n", variationSuffix(parent.Name, v.Name), v.SKU)
				}
			}
			b.WriteString("\n")
		}

		for _, a := range items {
			if processed[a.SKU] {
				continue
			}
			fmt.Fprintf(&b, "\n📦 *%s*\n   SKU: %s\n   Estoque: %g\n", a.Name, a.SKU, a.Balance)
		}
	}

	b.WriteString("\nℹ️ _Este é um alerta automático do sistema de monitoramento._\n")
	b.WriteString("_Verifique e atualize os estoques conforme necessário._")
	return b.String()
}

// buildFamilies groups variation alerts under their parent alert using the
// name-prefix heuristic, and marks every grouped SKU as processed.
func buildFamilies(items []Alert) (map[string][]Alert, map[string]bool) {
	families := make(map[string][]Alert)
	processed := make(map[string]bool)

	for _, candidate := range items {
		for _, other := range items {
			if isVariationName(candidate.Name, other.Name) {
				families[candidate.SKU] = nil
				break
			}
		}
	}

	for parentSKU := range families {
		parent := findAlert(items, parentSKU)
		if parent == nil {
			continue
		}
		processed[parentSKU] = true
		for _, a := range items {
			if a.SKU == parentSKU {
				continue
			}
			if strings.Contains(a.Name, parent.Name) && len(a.Name) > len(parent.Name) {
				families[parentSKU] = append(families[parentSKU], a)
				processed[a.SKU] = true
			}
		}
		sort.Slice(families[parentSKU], func(i, j int) bool {
			return families[parentSKU][i].SKU < families[parentSKU][j].SKU
		})
	}

	return families, processed
}

// variationSuffix strips the parent name and leading separators from a
// variation name.
func variationSuffix(parentName, variationName string) string {
	suffix := strings.TrimSpace(strings.Replace(variationName, parentName, "", 1))
	for _, sep := range []string{":", "-", "/", ","} {
		if strings.HasPrefix(suffix, sep) {
			suffix = strings.TrimSpace(suffix[len(sep):])
			break
		}
	}
	return suffix
}

func findAlert(items []Alert, sku string) *Alert {
	for i := range items {
		if items[i].SKU == sku {
			return &items[i]
		}
	}
	return nil
}
