package rbac

// Outcome is the verdict of one decision-table row.
type Outcome int

const (
	Deny Outcome = iota
	Allow
	// Inherit hands the decision to the next table in the chain.
	Inherit
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Inherit:
		return "inherit"
	default:
		return "deny"
	}
}

// Facts are the inputs a table row may look at.
type Facts struct {
	Admin bool
	// Restricted is true when the allow-list under test is non-empty.
	Restricted bool
	Member     bool
	// Resolved is false when a document's category reference is orphaned.
	Resolved bool
}

type Rule struct {
	Name string
	When func(Facts) bool
	Then Outcome
}

// Decision records which row decided and what it decided.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule"`
}

var categoryViewTable = []Rule{
	{Name: "admin-bypass", When: func(f Facts) bool { return f.Admin }, Then: Allow},
	{Name: "category-public", When: func(f Facts) bool { return !f.Restricted }, Then: Allow},
	{Name: "category-member", When: func(f Facts) bool { return f.Member }, Then: Allow},
	{Name: "category-not-member", When: always, Then: Deny},
}

var documentViewTable = []Rule{
	{Name: "admin-bypass", When: func(f Facts) bool { return f.Admin }, Then: Allow},
	{Name: "category-unresolved", When: func(f Facts) bool { return !f.Resolved }, Then: Deny},
	{Name: "document-member", When: func(f Facts) bool { return f.Restricted && f.Member }, Then: Allow},
	{Name: "document-not-member", When: func(f Facts) bool { return f.Restricted }, Then: Deny},
	{Name: "document-public", When: always, Then: Inherit},
}

var downloadTable = []Rule{
	{Name: "admin-bypass", When: func(f Facts) bool { return f.Admin }, Then: Allow},
	{Name: "download-member", When: func(f Facts) bool { return f.Restricted && f.Member }, Then: Allow},
	{Name: "download-not-member", When: func(f Facts) bool { return f.Restricted }, Then: Deny},
	{Name: "download-unset", When: always, Then: Inherit},
}

func always(Facts) bool { return true }

// Evaluate returns the first matching row. A table without a matching row
// denies.
func Evaluate(table []Rule, facts Facts) (Outcome, string) {
	for _, rule := range table {
		if rule.When(facts) {
			return rule.Then, rule.Name
		}
	}
	return Deny, "no-rule"
}

func factsFor(role Role, allow RoleSet) Facts {
	return Facts{
		Admin:      role == RoleAdmin,
		Restricted: !allow.Empty(),
		Member:     allow.Has(role),
		Resolved:   true,
	}
}

// ViewCategory decides whether role may see a category with the given
// allow-list.
func ViewCategory(role Role, allow RoleSet) Decision {
	outcome, rule := Evaluate(categoryViewTable, factsFor(role, allow))
	return Decision{Allowed: outcome == Allow, Rule: rule}
}

// ViewDocument decides view access. category is nil when the document's
// category reference does not resolve.
func ViewDocument(role Role, allow RoleSet, category *RoleSet) Decision {
	facts := factsFor(role, allow)
	facts.Resolved = category != nil
	outcome, rule := Evaluate(documentViewTable, facts)
	if outcome == Inherit {
		return ViewCategory(role, *category)
	}
	return Decision{Allowed: outcome == Allow, Rule: rule}
}

// DownloadDocument decides download access. An explicit download allow-list
// never falls back to view rights.
func DownloadDocument(role Role, download, view RoleSet, category *RoleSet) Decision {
	outcome, rule := Evaluate(downloadTable, factsFor(role, download))
	if outcome == Inherit {
		return ViewDocument(role, view, category)
	}
	return Decision{Allowed: outcome == Allow, Rule: rule}
}
