package journal

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zombor/receipt-reel/internal/receipt"
)

// Accounts is a resolved debit/credit pair plus the account the consumption
// tax portion is booked to
type Accounts struct {
	Debit  string
	Credit string
	Tax    string
}

// Classifier resolves the accounts for a receipt. ok is false when nothing matches.
type Classifier interface {
	Classify(ctx context.Context, r receipt.Receipt) (Accounts, bool)
}

type compiledRule struct {
	KeywordRule
	re *regexp.Regexp
}

// RuleClassifier classifies with a vendor master, then keyword rules by
// priority, then the fallback debit account. The credit side comes from the
// vendor master, the payment method, or the default credit account.
type RuleClassifier struct {
	rules   Rules
	vendors map[string]VendorAccount
	ordered []compiledRule
}

// NewRuleClassifier compiles the rules
func NewRuleClassifier(rules Rules) (*RuleClassifier, error) {
	c := &RuleClassifier{
		rules:   rules,
		vendors: make(map[string]VendorAccount, len(rules.Vendors)),
	}
	for _, v := range rules.Vendors {
		c.vendors[receipt.NormalizeVendor(v.Name)] = v
	}
	for _, kw := range rules.Keywords {
		re, err := regexp.Compile(kw.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling rule %q: %w", kw.Name, err)
		}
		c.ordered = append(c.ordered, compiledRule{KeywordRule: kw, re: re})
	}
	sort.SliceStable(c.ordered, func(i, j int) bool {
		return c.ordered[i].Priority > c.ordered[j].Priority
	})
	return c, nil
}

// Classify implements Classifier
func (c *RuleClassifier) Classify(_ context.Context, r receipt.Receipt) (Accounts, bool) {
	var accounts Accounts

	if r.Vendor != nil {
		if v, ok := c.vendors[receipt.NormalizeVendor(*r.Vendor)]; ok {
			accounts.Debit = v.DebitAccount
			accounts.Credit = v.CreditAccount
		}
	}

	if accounts.Debit == "" {
		accounts.Debit = c.matchKeywords(subjectText(r))
	}
	if accounts.Debit == "" {
		accounts.Debit = c.rules.FallbackDebitAccount
	}
	if accounts.Debit == "" {
		return Accounts{}, false
	}

	if accounts.Credit == "" && r.PaymentMethod != nil {
		accounts.Credit = c.rules.PaymentAccounts[*r.PaymentMethod]
	}
	if accounts.Credit == "" {
		accounts.Credit = c.rules.DefaultCreditAccount
	}
	if accounts.Credit == "" {
		return Accounts{}, false
	}
	accounts.Tax = c.rules.TaxAccount
	return accounts, true
}

func (c *RuleClassifier) matchKeywords(text string) string {
	if text == "" {
		return ""
	}
	for _, rule := range c.ordered {
		if rule.re.MatchString(text) {
			return rule.DebitAccount
		}
	}
	return ""
}

// subjectText is what keyword rules are matched against: vendor and line items
func subjectText(r receipt.Receipt) string {
	var parts []string
	if r.Vendor != nil {
		parts = append(parts, *r.Vendor)
	}
	for _, item := range r.LineItems {
		parts = append(parts, item.Description)
	}
	return receipt.FoldWidth(strings.Join(parts, "\n"))
}
