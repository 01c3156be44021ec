// Package rest is the operation facade the transport layer calls into.
// Each function takes everything it needs explicitly so it can serve
// any route that maps onto the same operation.
package rest

import (
	"context"
	"time"

	"github.com/objstack/objstack/pkg/auth"
	"github.com/objstack/objstack/pkg/config"
	"github.com/objstack/objstack/pkg/database"
	"github.com/objstack/objstack/pkg/errors"
	"github.com/objstack/objstack/pkg/format"
	"github.com/objstack/objstack/pkg/id"
	"github.com/objstack/objstack/pkg/query"
	"github.com/objstack/objstack/pkg/triggers"
	"github.com/objstack/objstack/pkg/write"
)

// Find runs a query and returns its results, plus a count when asked
// for.
func Find(ctx context.Context, cfg *config.Config, a *auth.Auth, className string, where, options map[string]any) (*query.Response, error) {
	if err := enforceRoleSecurity("find", className, a); err != nil {
		return nil, err
	}
	q, err := query.New(cfg, a, className, where, options)
	if err != nil {
		return nil, err
	}
	return q.Execute(ctx)
}

// Get fetches a single object by id.
func Get(ctx context.Context, cfg *config.Config, a *auth.Auth, className, objectID string) (map[string]any, error) {
	response, err := Find(ctx, cfg, a, className, map[string]any{"objectId": objectID}, nil)
	if err != nil {
		return nil, err
	}
	if len(response.Results) == 0 {
		return nil, errors.New(errors.ObjectNotFound, "Object not found.")
	}
	return response.Results[0], nil
}

// Create writes a new object.
func Create(ctx context.Context, cfg *config.Config, a *auth.Auth, className string, object map[string]any) (*write.Response, error) {
	if err := enforceRoleSecurity("create", className, a); err != nil {
		return nil, err
	}
	w, err := write.New(cfg, a, className, nil, object, nil)
	if err != nil {
		return nil, err
	}
	return w.Execute(ctx)
}

// Update applies object to the object with the given id. The pre-image
// is fetched when save triggers want to see it.
func Update(ctx context.Context, cfg *config.Config, a *auth.Auth, className, objectID string, object map[string]any) (*write.Response, error) {
	if err := enforceRoleSecurity("update", className, a); err != nil {
		return nil, err
	}

	var original map[string]any
	if cfg.Triggers.Has(className, triggers.BeforeSave) || cfg.Triggers.Has(className, triggers.AfterSave) {
		response, err := Find(ctx, cfg, a, className, map[string]any{"objectId": objectID}, nil)
		if err != nil {
			return nil, err
		}
		if len(response.Results) > 0 {
			original = response.Results[0]
		}
	}

	w, err := write.New(cfg, a, className, map[string]any{"objectId": objectID}, object, original)
	if err != nil {
		return nil, err
	}
	return w.Execute(ctx)
}

// Delete removes the object with the given id, running delete triggers
// around the destroy.
func Delete(ctx context.Context, cfg *config.Config, a *auth.Auth, className, objectID string) error {
	if objectID == "" {
		return errors.New(errors.InvalidJSON, "bad objectId")
	}
	if className == "_User" && !a.CouldUpdateUserID(objectID) {
		return errors.New(errors.SessionMissing, "insufficient auth to delete user")
	}
	if err := enforceRoleSecurity("delete", className, a); err != nil {
		return err
	}

	var original map[string]any
	hasBefore := cfg.Triggers.Has(className, triggers.BeforeDelete)
	hasAfter := cfg.Triggers.Has(className, triggers.AfterDelete)
	if hasBefore || hasAfter || className == "_Session" {
		response, err := Find(ctx, cfg, a, className, map[string]any{"objectId": objectID}, nil)
		if err != nil {
			return err
		}
		if len(response.Results) == 0 {
			return errors.New(errors.ObjectNotFound, "Object not found for delete.")
		}
		original = response.Results[0]

		if className == "_Session" && cfg.SessionCache != nil {
			if token, ok := original["sessionToken"].(string); ok {
				cfg.SessionCache.Invalidate(token)
			}
		}
		if hasBefore {
			if _, err := cfg.Triggers.RunBefore(ctx, triggers.BeforeDelete, &triggers.Request{
				ClassName: className,
				Master:    a.IsMaster,
				User:      a.User,
				Object:    original,
			}); err != nil {
				return err
			}
		}
	}

	opts := database.Options{Master: a.IsMaster}
	if !a.IsMaster && a.User != nil {
		opts.ACLGroup = []string{a.UserID()}
	}
	if err := cfg.Database.Destroy(ctx, className, map[string]any{"objectId": objectID}, opts); err != nil {
		return err
	}

	if hasAfter {
		cfg.Triggers.RunAfterAsync(ctx, triggers.AfterDelete, &triggers.Request{
			ClassName: className,
			Master:    a.IsMaster,
			User:      a.User,
			Object:    original,
		}, cfg.Log())
	}
	return nil
}

// Login verifies a username/password pair and issues a fresh unrestricted
// session. The returned user carries the session token and no password.
func Login(ctx context.Context, cfg *config.Config, username, password, installationID string) (map[string]any, error) {
	if username == "" {
		return nil, errors.New(errors.UsernameMissing, "username is required.")
	}
	if password == "" {
		return nil, errors.New(errors.PasswordMissing, "password is required.")
	}

	results, err := cfg.Database.Find(ctx, "_User", map[string]any{"username": username}, database.MasterOptions())
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errors.New(errors.ObjectNotFound, "Invalid username/password.")
	}
	user := results[0]
	hashed, _ := user["password"].(string)
	if !cfg.Hasher.Compare(hashed, password) {
		return nil, errors.New(errors.ObjectNotFound, "Invalid username/password.")
	}

	token := id.NewSessionToken()
	user["sessionToken"] = token
	delete(user, "password")

	sessionData := map[string]any{
		"sessionToken": token,
		"user":         format.Pointer("_User", user["objectId"].(string)),
		"createdWith": map[string]any{
			"action":       "login",
			"authProvider": "password",
		},
		"restricted": false,
		"expiresAt":  format.Date(time.Now().AddDate(1, 0, 0)),
	}
	if installationID != "" {
		sessionData["installationId"] = installationID
	}
	w, err := write.New(cfg, auth.Master(cfg.Database), "_Session", nil, sessionData, nil)
	if err != nil {
		return nil, err
	}
	if _, err := w.Execute(ctx); err != nil {
		return nil, err
	}
	return user, nil
}

// Me resolves a session token to its user.
func Me(ctx context.Context, cfg *config.Config, sessionToken string) (map[string]any, error) {
	if sessionToken == "" {
		return nil, errors.New(errors.ObjectNotFound, "Object not found.")
	}

	response, err := Find(ctx, cfg, auth.Master(cfg.Database), "_Session",
		map[string]any{"sessionToken": sessionToken},
		map[string]any{"include": "user"})
	if err != nil {
		return nil, err
	}
	if len(response.Results) == 0 {
		return nil, errors.New(errors.ObjectNotFound, "Object not found.")
	}
	user, ok := response.Results[0]["user"].(map[string]any)
	if !ok || user["__type"] != format.TypeObject {
		return nil, errors.New(errors.ObjectNotFound, "Object not found.")
	}
	delete(user, "__type")
	delete(user, "className")
	user["sessionToken"] = sessionToken
	return user, nil
}

// Clients may not touch the role collection, or delete installations,
// without the master key.
func enforceRoleSecurity(method, className string, a *auth.Auth) error {
	if className == "_Role" && !a.IsMaster {
		return errors.Newf(errors.OperationForbidden,
			"Clients aren't allowed to perform the %s operation on the role collection.", method)
	}
	if method == "delete" && className == "_Installation" && !a.IsMaster {
		return errors.New(errors.OperationForbidden,
			"Clients aren't allowed to perform the delete operation on the installation collection.")
	}
	return nil
}
