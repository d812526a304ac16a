package database

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	casbinmodel "github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"gorm.io/gorm"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// rbacModel matches subject roles against path globs and method regexps.
const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch(r.obj, p.obj) && regexMatch(r.act, p.act)
`

// Casbin builds an enforcer whose policies live in the application database.
func Casbin(db *gorm.DB) (*casbin.Enforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize casbin adapter: %w", err)
	}
	return newEnforcer(adapter)
}

func newEnforcer(adapter persist.Adapter) (*casbin.Enforcer, error) {
	m, err := casbinmodel.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("failed to parse casbin model: %w", err)
	}

	var e *casbin.Enforcer
	if adapter == nil {
		e, err = casbin.NewEnforcer(m)
	} else {
		e, err = casbin.NewEnforcer(m, adapter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}

	if ok, _ := e.HasPolicy(RoleAdmin, "/api/admin/*", "(GET)|(POST)|(PUT)|(DELETE)"); !ok {
		if _, err := e.AddPolicy(RoleAdmin, "/api/admin/*", "(GET)|(POST)|(PUT)|(DELETE)"); err != nil {
			return nil, fmt.Errorf("failed to add default policy: %w", err)
		}
	}
	return e, nil
}

// MemoryCasbin is an enforcer without a persistent adapter.
func MemoryCasbin() (*casbin.Enforcer, error) {
	return newEnforcer(nil)
}
