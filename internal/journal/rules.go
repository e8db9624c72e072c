package journal

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Standard account names used by the built-in rules
const (
	AccountTravel        = "旅費交通費"
	AccountEntertainment = "交際費"
	AccountMeeting       = "会議費"
	AccountSupplies      = "消耗品費"
	AccountCommunication = "通信費"
	AccountCash          = "現金"
	AccountBank          = "普通預金"
	AccountPayable       = "未払金"
	AccountTaxPaid       = "仮払消費税等"
)

// Rules is the classification master data
type Rules struct {
	DefaultCreditAccount string            `toml:"default_credit_account"`
	FallbackDebitAccount string            `toml:"fallback_debit_account"`
	TaxAccount           string            `toml:"tax_account"`
	PaymentAccounts      map[string]string `toml:"payment_accounts"`
	Vendors              []VendorAccount   `toml:"vendor"`
	Keywords             []KeywordRule     `toml:"rule"`
}

// VendorAccount pins a known vendor to its accounts
type VendorAccount struct {
	Name          string `toml:"name"`
	DebitAccount  string `toml:"debit_account"`
	CreditAccount string `toml:"credit_account"`
}

// KeywordRule assigns a debit account when Pattern matches the vendor or a line item
type KeywordRule struct {
	Name         string `toml:"name"`
	Pattern      string `toml:"pattern"`
	DebitAccount string `toml:"debit_account"`
	Priority     int    `toml:"priority"`
}

// DefaultRules returns the built-in chart used when no rules file is configured.
// It has no fallback debit account, so unknown vendors need a manual journal.
func DefaultRules() Rules {
	return Rules{
		DefaultCreditAccount: AccountPayable,
		TaxAccount:           AccountTaxPaid,
		PaymentAccounts: map[string]string{
			"cash":   AccountCash,
			"credit": AccountPayable,
			"emoney": AccountBank,
		},
		Keywords: []KeywordRule{
			{Name: "transport", Pattern: `(?i)\bjr\b|タクシー|taxi|suica|pasmo|鉄道|バス|eneos|shell|出光|ガソリン|高速|駐車場|parking`, DebitAccount: AccountTravel, Priority: 30},
			{Name: "cafe", Pattern: `(?i)starbucks|スターバックス|タリーズ|ドトール|コメダ|cafe|カフェ|喫茶`, DebitAccount: AccountMeeting, Priority: 20},
			{Name: "dining", Pattern: `(?i)居酒屋|レストラン|restaurant|寿司|焼肉`, DebitAccount: AccountEntertainment, Priority: 20},
			{Name: "telecom", Pattern: `(?i)docomo|ドコモ|softbank|ソフトバンク|kddi|郵便|切手`, DebitAccount: AccountCommunication, Priority: 10},
			{Name: "retail", Pattern: `(?i)セブン|ローソン|ファミリーマート|ファミマ|amazon|アマゾン|ヨドバシ|ビックカメラ|ダイソー|無印`, DebitAccount: AccountSupplies, Priority: 10},
		},
	}
}

// LoadRules reads a TOML rules file. Unset payment accounts and the default
// credit account are filled from the built-in rules.
func LoadRules(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes TOML rules
func ParseRules(data []byte) (Rules, error) {
	var rules Rules
	if err := toml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("decoding rules: %w", err)
	}

	defaults := DefaultRules()
	if rules.DefaultCreditAccount == "" {
		rules.DefaultCreditAccount = defaults.DefaultCreditAccount
	}
	if rules.TaxAccount == "" {
		rules.TaxAccount = defaults.TaxAccount
	}
	if rules.PaymentAccounts == nil {
		rules.PaymentAccounts = map[string]string{}
	}
	for method, account := range defaults.PaymentAccounts {
		if _, ok := rules.PaymentAccounts[method]; !ok {
			rules.PaymentAccounts[method] = account
		}
	}
	return rules, nil
}
