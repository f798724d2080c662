package services

import (
	"net/http"
	"sort"
	"strings"

	"github.com/ruralpay/echobank/internal/models"
)

type Bank struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

var nigerianBanks = []Bank{
	{Code: "044", Name: "Access Bank"},
	{Code: "063", Name: "Access Bank (Diamond)"},
	{Code: "401", Name: "ASO Savings and Loans"},
	{Code: "023", Name: "Citibank Nigeria"},
	{Code: "050", Name: "Ecobank Nigeria"},
	{Code: "562", Name: "Ekondo Microfinance Bank"},
	{Code: "070", Name: "Fidelity Bank"},
	{Code: "011", Name: "First Bank of Nigeria"},
	{Code: "214", Name: "First City Monument Bank"},
	{Code: "00103", Name: "Globus Bank"},
	{Code: "058", Name: "Guaranty Trust Bank"},
	{Code: "030", Name: "Heritage Bank"},
	{Code: "301", Name: "Jaiz Bank"},
	{Code: "082", Name: "Keystone Bank"},
	{Code: "526", Name: "Parallex Bank"},
	{Code: "076", Name: "Polaris Bank"},
	{Code: "101", Name: "Providus Bank"},
	{Code: "125", Name: "Rubies MFB"},
	{Code: "221", Name: "Stanbic IBTC Bank"},
	{Code: "068", Name: "Standard Chartered Bank"},
	{Code: "232", Name: "Sterling Bank"},
	{Code: "100", Name: "Suntrust Bank"},
	{Code: "302", Name: "TAJ Bank"},
	{Code: "102", Name: "Titan Trust Bank"},
	{Code: "032", Name: "Union Bank of Nigeria"},
	{Code: "033", Name: "United Bank For Africa"},
	{Code: "215", Name: "Unity Bank"},
	{Code: "035", Name: "Wema Bank"},
	{Code: "057", Name: "Zenith Bank"},
	{Code: "304", Name: "Lotus Bank"},
	{Code: "50211", Name: "Kuda Bank"},
	{Code: "090267", Name: "Kuda Microfinance Bank"},
	{Code: "100002", Name: "Paga"},
	{Code: "110005", Name: "Paycom"},
	{Code: "090405", Name: "Moniepoint MFB"},
	{Code: "090328", Name: "Eyowo"},
	{Code: "090175", Name: "Rubies MFB"},
	{Code: "090110", Name: "VFD Microfinance Bank"},
	{Code: "090286", Name: "Safe Haven MFB"},
	{Code: "090365", Name: "Corestep MFB"},
	{Code: "090393", Name: "Bridgeway MFB"},
	{Code: "090270", Name: "AB Microfinance Bank"},
	{Code: "090371", Name: "Agosasa MFB"},
	{Code: "090374", Name: "Amju Unique MFB"},
	{Code: "090376", Name: "Balogun Gambari MFB"},
	{Code: "090377", Name: "Isaleoyo MFB"},
	{Code: "090378", Name: "New Golden Pastures MFB"},
	{Code: "090392", Name: "Mozfin MFB"},
	{Code: "090394", Name: "Nirsal MFB"},
	{Code: "090395", Name: "Nwannegadi MFB"},
	{Code: "090396", Name: "Oscotech MFB"},
	{Code: "090399", Name: "Ndiorah MFB"},
}

// BankDirectory resolves CBN bank codes to display names
type BankDirectory struct {
	byCode map[string]string
}

func NewBankDirectory() *BankDirectory {
	byCode := make(map[string]string, len(nigerianBanks))
	for _, b := range nigerianBanks {
		byCode[b.Code] = b.Name
	}
	return &BankDirectory{byCode: byCode}
}

// Name returns the bank name for code, or "" when the code is unknown
func (d *BankDirectory) Name(code string) string {
	return d.byCode[strings.TrimSpace(code)]
}

// Enrich fills in missing bank names on recipients returned by a gateway
func (d *BankDirectory) Enrich(recipients []models.Recipient) {
	for i := range recipients {
		if recipients[i].BankName == "" {
			recipients[i].BankName = d.Name(recipients[i].BankCode)
		}
	}
}

// Search returns banks whose name or code contains query, sorted by name
func (d *BankDirectory) Search(query string) []Bank {
	q := strings.ToLower(strings.TrimSpace(query))
	banks := make([]Bank, 0, len(nigerianBanks))
	for _, b := range nigerianBanks {
		if q == "" || strings.Contains(strings.ToLower(b.Name), q) || strings.HasPrefix(b.Code, q) {
			banks = append(banks, b)
		}
	}
	sort.SliceStable(banks, func(i, j int) bool { return banks[i].Name < banks[j].Name })
	return banks
}

func (d *BankDirectory) GetAllBanks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=86400")
	SendJSON(w, http.StatusOK, d.Search(r.URL.Query().Get("q")))
}
