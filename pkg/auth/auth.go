// Package auth resolves who is making a request: master key, an
// authenticated user, or nobody. Role membership is expanded once per
// Auth and reused for the request's lifetime.
package auth

import (
	"context"
	"sync"

	"github.com/objstack/objstack/pkg/database"
	"github.com/objstack/objstack/pkg/format"
)

// Auth tells you who is requesting something and whether the master
// key was used.
type Auth struct {
	controller *database.Controller

	// IsMaster short-circuits every ACL and permission check.
	IsMaster bool

	// User is the REST user object, nil when nobody is authenticated.
	User map[string]any

	mu           sync.Mutex
	fetchedRoles bool
	userRoles    []string
}

// Master returns a master-level Auth.
func Master(c *database.Controller) *Auth {
	return &Auth{controller: c, IsMaster: true}
}

// Nobody returns an unauthenticated Auth.
func Nobody(c *database.Controller) *Auth {
	return &Auth{controller: c}
}

// ForUser returns an Auth for an already-resolved user object.
func ForUser(c *database.Controller, user map[string]any) *Auth {
	return &Auth{controller: c, User: user}
}

// ForSessionToken resolves a session token to an Auth, consulting the
// session cache first. An unknown token resolves to Nobody.
func ForSessionToken(ctx context.Context, c *database.Controller, cache *SessionCache, sessionToken string) (*Auth, error) {
	if cache != nil {
		if user, ok := cache.Get(sessionToken); ok {
			return ForUser(c, user), nil
		}
	}

	sessions, err := c.Find(ctx, "_Session",
		map[string]any{"sessionToken": sessionToken},
		database.Options{Master: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(sessions) != 1 {
		return Nobody(c), nil
	}
	_, userID, ok := format.AsPointer(sessions[0]["user"])
	if !ok {
		return Nobody(c), nil
	}

	users, err := c.Find(ctx, "_User",
		map[string]any{"objectId": userID},
		database.Options{Master: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(users) != 1 {
		return Nobody(c), nil
	}

	user := users[0]
	delete(user, "password")
	if cache != nil {
		cache.Set(sessionToken, user)
	}
	return ForUser(c, user), nil
}

// UserID returns the authenticated user's object id, or "".
func (a *Auth) UserID() string {
	if a.User == nil {
		return ""
	}
	id, _ := a.User["objectId"].(string)
	return id
}

// CouldUpdateUserID reports whether this auth could possibly modify the
// given user id. It may still be forbidden by ACLs.
func (a *Auth) CouldUpdateUserID(userID string) bool {
	if a.IsMaster {
		return true
	}
	return a.User != nil && a.UserID() == userID
}

// ACLGroup returns the caller's principal group: their own id plus
// every role name they hold. Master and nobody both get an empty group.
func (a *Auth) ACLGroup(ctx context.Context) ([]string, error) {
	if a.IsMaster || a.User == nil {
		return nil, nil
	}
	roles, err := a.GetUserRoles(ctx)
	if err != nil {
		return nil, err
	}
	return append([]string{a.UserID()}, roles...), nil
}

// GetUserRoles returns the names of every role the user holds, in the
// "role:<name>" principal form, walking nested role membership to any
// depth. Results are computed once per Auth.
func (a *Auth) GetUserRoles(ctx context.Context) ([]string, error) {
	if a.IsMaster || a.User == nil {
		return []string{}, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchedRoles {
		return a.userRoles, nil
	}

	roles, err := a.loadRoles(ctx)
	if err != nil {
		return nil, err
	}
	a.userRoles = roles
	a.fetchedRoles = true
	return roles, nil
}

func (a *Auth) loadRoles(ctx context.Context) ([]string, error) {
	// Roles the user is directly a member of.
	direct, err := a.controller.Find(ctx, "_Role",
		map[string]any{"users": format.Pointer("_User", a.UserID())},
		database.MasterOptions())
	if err != nil {
		return nil, err
	}
	if len(direct) == 0 {
		return []string{}, nil
	}

	// A role's "roles" relation names the roles its members also hold.
	// Walk it transitively; the visited set keeps cycles from looping.
	visited := map[string]struct{}{}
	var queue []string
	for _, role := range direct {
		if id, ok := role["objectId"].(string); ok {
			visited[id] = struct{}{}
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		roleID := queue[0]
		queue = queue[1:]

		granted, err := a.controller.Find(ctx, "_Role", map[string]any{
			"$relatedTo": map[string]any{
				"key":    "roles",
				"object": format.Pointer("_Role", roleID),
			},
		}, database.MasterOptions())
		if err != nil {
			return nil, err
		}
		for _, role := range granted {
			id, ok := role["objectId"].(string)
			if !ok {
				continue
			}
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}
			queue = append(queue, id)
		}
	}

	allIDs := make([]any, 0, len(visited))
	for id := range visited {
		allIDs = append(allIDs, id)
	}
	all, err := a.controller.Find(ctx, "_Role",
		map[string]any{"objectId": map[string]any{"$in": allIDs}},
		database.MasterOptions())
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(all))
	for _, role := range all {
		if name, ok := role["name"].(string); ok {
			names = append(names, "role:"+name)
		}
	}
	return names, nil
}
