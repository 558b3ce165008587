package routes

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/foodhub/gateway/internal/config"
	"github.com/foodhub/gateway/internal/ratelimit"
)

var (
	get       = []string{http.MethodGet}
	post      = []string{http.MethodPost}
	put       = []string{http.MethodPut}
	putDel    = []string{http.MethodPut, http.MethodDelete}
	anyMethod = []string(nil)
)

// DefaultRules is the food-ordering route table. Order matters: specific
// public and admin rules precede the catch-all rule of each service.
func DefaultRules() []Rule {
	return []Rule{
		// users
		{Pattern: "/api/users/login", Methods: post, Visibility: Public, Bucket: ratelimit.BucketAuth},
		{Pattern: "/api/users/register", Methods: post, Visibility: Public, Bucket: ratelimit.BucketAuth},
		{Pattern: "/api/users/profile", Methods: anyMethod, Visibility: Authenticated},
		{Pattern: "/api/users/password", Methods: anyMethod, Visibility: Authenticated},
		{Pattern: "/api/users/{id}", Methods: get, Visibility: Authenticated},

		// menu
		{Pattern: "/api/menu/categories", Methods: get, Visibility: Public},
		{Pattern: "/api/menu/categories/{id}", Methods: get, Visibility: Public},
		{Pattern: "/api/menu/dishes", Methods: get, Visibility: Public},
		{Pattern: "/api/menu/dishes/{id}", Methods: get, Visibility: Public},
		{Pattern: "/api/menu/dishes/category/{categoryId}", Methods: get, Visibility: Public},
		{Pattern: "/api/menu/featured", Methods: get, Visibility: Public},
		{Pattern: "/api/menu/dishes", Methods: post, Visibility: Admin},
		{Pattern: "/api/menu/dishes/{id}", Methods: putDel, Visibility: Admin},
		{Pattern: "/api/menu/categories", Methods: post, Visibility: Admin},
		{Pattern: "/api/menu/categories/{id}", Methods: putDel, Visibility: Admin},

		// orders
		{Pattern: "/api/orders/{id}/status", Methods: put, Visibility: Admin},
		{Pattern: "/api/orders/*", Methods: anyMethod, Visibility: Authenticated},

		// payments
		{Pattern: "/api/payments/*", Methods: anyMethod, Visibility: Authenticated},

		// reviews
		{Pattern: "/api/reviews/dish/{dishId}", Methods: get, Visibility: Public},
		{Pattern: "/api/reviews/*", Methods: anyMethod, Visibility: Authenticated},
	}
}

// FromConfig converts configured rules. An empty list yields DefaultRules.
func FromConfig(cfgRules []config.RouteRuleConfig) ([]Rule, error) {
	if len(cfgRules) == 0 {
		return DefaultRules(), nil
	}
	rules := make([]Rule, 0, len(cfgRules))
	for i, cr := range cfgRules {
		vis, err := ParseVisibility(cr.Visibility)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		bucket, err := ratelimit.ParseBucket(cr.Bucket)
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %w", i, err)
		}
		rules = append(rules, Rule{
			Pattern:    cr.Pattern,
			Methods:    cr.Methods,
			Visibility: vis,
			Bucket:     bucket,
		})
	}
	return rules, nil
}

// servicePrefixes maps public path prefixes to upstream service names.
var servicePrefixes = []struct {
	prefix  string
	service string
}{
	{"/api/users", "user"},
	{"/api/menu", "menu"},
	{"/api/orders", "order"},
	{"/api/payments", "payment"},
	{"/api/reviews", "review"},
}

// ServiceFor resolves the upstream that owns path. The prefix must end at a
// segment boundary, so "/api/menus" does not belong to the menu service.
func ServiceFor(path string) (string, bool) {
	for _, sp := range servicePrefixes {
		rest, ok := strings.CutPrefix(path, sp.prefix)
		if ok && (rest == "" || rest[0] == '/') {
			return sp.service, true
		}
	}
	return "", false
}
