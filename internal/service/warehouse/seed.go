package warehouse

import "math"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS DIM_SOURCE_PRODUCT (
	SOURCE_PRODUCT_ID TEXT PRIMARY KEY,
	PRODUCT_BRAND TEXT NOT NULL,
	PRODUCT_NAME TEXT NOT NULL,
	CATEGORY TEXT NOT NULL,
	MANUFACTURER TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS FCT_SALES_NATIONAL_MTH (
	SOURCE_PRODUCT_ID TEXT NOT NULL REFERENCES DIM_SOURCE_PRODUCT(SOURCE_PRODUCT_ID),
	PERIOD_MONTH TEXT NOT NULL,
	REGION TEXT NOT NULL,
	UNITS INTEGER NOT NULL,
	VALUE_LC REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sales_period ON FCT_SALES_NATIONAL_MTH(PERIOD_MONTH);`

type product struct {
	id, brand, name, category, manufacturer string
	basePrice                               float64
	baseUnits                               int
}

var seedProducts = []product{
	{"P001", "Advil", "Advil Tablets 200mg", "Analgesics", "Haleon", 9.5, 120},
	{"P002", "Advil", "Advil Liqui-Gels", "Analgesics", "Haleon", 12.0, 80},
	{"P003", "Tylenol", "Tylenol Extra Strength", "Analgesics", "Kenvue", 10.5, 110},
	{"P004", "Motrin", "Motrin IB", "Analgesics", "Kenvue", 8.75, 60},
	{"P005", "Aleve", "Aleve Caplets", "Analgesics", "Bayer", 11.25, 70},
	{"P006", "Claritin", "Claritin 24h", "Allergy", "Bayer", 18.0, 50},
}

var (
	seedMonths  = []string{"2024-01", "2024-02", "2024-03", "2024-04", "2024-05", "2024-06"}
	seedRegions = []string{"North", "South", "East", "West"}
)

type sale struct {
	productID, month, region string
	units                    int
	value                    float64
}

// seedSales produces deterministic monthly sales with a mild upward trend and
// per-region skew.
func seedSales() []sale {
	var out []sale
	for pi, p := range seedProducts {
		for mi, month := range seedMonths {
			for ri, region := range seedRegions {
				units := p.baseUnits + mi*(3+pi) + ri*7 - (pi*ri)%5
				value := float64(units) * p.basePrice
				out = append(out, sale{
					productID: p.id,
					month:     month,
					region:    region,
					units:     units,
					value:     roundCents(value),
				})
			}
		}
	}
	return out
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
