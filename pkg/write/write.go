// Package write runs create and update operations: schema validation,
// class-specific handling for users, sessions and installations,
// trigger dispatch, and the database write itself.
package write

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/objstack/objstack/pkg/auth"
	"github.com/objstack/objstack/pkg/config"
	"github.com/objstack/objstack/pkg/database"
	"github.com/objstack/objstack/pkg/errors"
	"github.com/objstack/objstack/pkg/format"
	"github.com/objstack/objstack/pkg/id"
	"github.com/objstack/objstack/pkg/triggers"
)

var tracer = otel.Tracer("objstack/pkg/write")

var emailMatcher = regexp.MustCompile(`^.+@.+$`)

// Response carries the outcome of a write. Status 0 means 200.
type Response struct {
	Response map[string]any
	Status   int
	Location string
}

// Write encapsulates everything needed to run one create or update in
// REST format. A nil query means create; otherwise the object matching
// query is updated with data.
type Write struct {
	cfg       *config.Config
	auth      *auth.Auth
	className string
	query     map[string]any
	data      map[string]any
	original  map[string]any

	// The timestamp used for the whole operation.
	updatedAt string

	response *Response

	// sessionToken is set when signup issued a fresh session.
	sessionToken string
	// clearSessions marks a password change; existing sessions are
	// revoked as followup.
	clearSessions bool
}

// New prepares a write. Server-managed fields are stamped here:
// updatedAt always, plus objectId and createdAt on creates.
func New(cfg *config.Config, a *auth.Auth, className string, query, data, original map[string]any) (*Write, error) {
	if query == nil {
		if _, ok := data["objectId"]; ok {
			return nil, errors.New(errors.InvalidKeyName, "objectId is an invalid field name.")
		}
	}

	w := &Write{
		cfg:       cfg,
		auth:      a,
		className: className,
		query:     format.DeepCopyMap(query),
		data:      format.DeepCopyMap(data),
		original:  original,
		updatedAt: time.Now().UTC().Format(format.DateLayout),
	}
	if w.data == nil {
		w.data = map[string]any{}
	}

	w.data["updatedAt"] = w.updatedAt
	if w.query == nil {
		w.data["createdAt"] = w.updatedAt
		w.data["objectId"] = id.NewObjectID()
	}
	return w, nil
}

// Execute performs all the steps of processing the write, in order.
func (w *Write) Execute(ctx context.Context) (*Response, error) {
	ctx, span := tracer.Start(ctx, "write.Execute")
	defer span.End()

	steps := []func(context.Context) error{
		w.validateSchema,
		w.handleInstallation,
		w.handleSession,
		w.runBeforeTrigger,
		w.validateAuthData,
		w.transformUser,
		w.runDatabaseOperation,
		w.handleFollowup,
		w.runAfterTrigger,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return nil, err
		}
	}
	return w.response, nil
}

func (w *Write) validateSchema(ctx context.Context) error {
	return w.cfg.Database.ValidateObject(ctx, w.className, w.data)
}

// objectID is the id this write addresses; it lives on the data for
// creates and on the query for updates.
func (w *Write) objectID() string {
	if objectID, ok := w.data["objectId"].(string); ok {
		return objectID
	}
	objectID, _ := w.query["objectId"].(string)
	return objectID
}

func (w *Write) location() string {
	middle := "/classes/" + w.className + "/"
	if w.className == "_User" {
		middle = "/users/"
	}
	return w.cfg.Mount + middle + w.objectID()
}

func (w *Write) triggerRequest() *triggers.Request {
	object := format.DeepCopyMap(w.data)
	if objectID, ok := w.query["objectId"]; ok {
		object["objectId"] = objectID
	}
	return &triggers.Request{
		ClassName: w.className,
		Master:    w.auth.IsMaster,
		User:      w.auth.User,
		Object:    object,
		Original:  w.original,
	}
}

// runBeforeTrigger gives a registered hook the chance to veto or
// replace the outgoing data.
func (w *Write) runBeforeTrigger(ctx context.Context) error {
	if w.response != nil || !w.cfg.Triggers.Has(w.className, triggers.BeforeSave) {
		return nil
	}

	replacement, err := w.cfg.Triggers.RunBefore(ctx, triggers.BeforeSave, w.triggerRequest())
	if err != nil {
		return err
	}
	if replacement != nil {
		w.data = replacement
		if w.query != nil {
			delete(w.data, "objectId")
		}
	}
	return nil
}

// validateAuthData checks the credentials on a user write: classic
// username/password signups and authData providers.
func (w *Write) validateAuthData(ctx context.Context) error {
	if w.className != "_User" {
		return nil
	}

	authData, hasAuthData := w.data["authData"].(map[string]any)
	if w.query == nil && !hasAuthData {
		if _, ok := w.data["username"].(string); !ok {
			return errors.New(errors.UsernameMissing, "Bad or missing username")
		}
		if _, ok := w.data["password"].(string); !ok {
			return errors.New(errors.PasswordMissing, "Password is required")
		}
	}
	if !hasAuthData {
		return nil
	}

	anonData, hasAnon := authData["anonymous"]
	facebookData, hasFacebook := authData["facebook"]
	switch {
	case hasAnon && providerDataUsable(anonData, "id"):
		return w.handleProviderAuthData(ctx, "anonymous", anonData)
	case hasFacebook && providerDataUsable(facebookData, "id", "access_token"):
		if facebookData != nil && w.cfg.Facebook != nil {
			if err := w.cfg.Facebook.Verify(ctx, facebookData.(map[string]any)); err != nil {
				return err
			}
		}
		return w.handleProviderAuthData(ctx, "facebook", facebookData)
	default:
		return errors.New(errors.UnsupportedService, "This authentication method is unsupported.")
	}
}

// providerDataUsable accepts an explicit null (unlink) or a map
// carrying all required keys.
func providerDataUsable(value any, required ...string) bool {
	if value == nil {
		return true
	}
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	for _, key := range required {
		if _, present := m[key]; !present {
			return false
		}
	}
	return true
}

// handleProviderAuthData links, unlinks, or logs in through one
// authData provider.
func (w *Write) handleProviderAuthData(ctx context.Context, provider string, providerData any) error {
	nativeKey := "_auth_data_" + provider

	if providerData == nil {
		if w.query != nil {
			// Unlinking from the provider.
			w.data[nativeKey] = nil
			delete(w.data, "authData")
		}
		return nil
	}

	providerID := providerData.(map[string]any)["id"]
	existing, err := w.cfg.Database.Find(ctx, w.className,
		map[string]any{"authData." + provider + ".id": providerID},
		database.MasterOptions())
	if err != nil {
		return err
	}

	if len(existing) > 0 {
		if w.query == nil {
			// Signing up, but this account already exists; log in
			// instead.
			user := existing[0]
			delete(user, "password")
			w.data["objectId"] = user["objectId"]
			w.response = &Response{
				Response: user,
				Location: w.location(),
			}
			return nil
		}
		if existing[0]["objectId"] == w.query["objectId"] {
			// Re-linking the same user.
			delete(w.data, "authData")
			return nil
		}
		return errors.New(errors.AccountAlreadyLinked, "this auth is already used")
	}

	w.data[nativeKey] = providerData
	delete(w.data, "authData")
	return nil
}

// transformUser does the non-provider parts of a user write: session
// issuance on signup, password hashing, username and email uniqueness.
func (w *Write) transformUser(ctx context.Context) error {
	if w.response != nil || w.className != "_User" {
		return nil
	}

	if w.query == nil {
		token := id.NewSessionToken()
		w.sessionToken = token
		sessionData := map[string]any{
			"sessionToken": token,
			"user":         format.Pointer("_User", w.objectID()),
			"createdWith": map[string]any{
				"action":       "login",
				"authProvider": "password",
			},
			"restricted": false,
		}
		sessionWrite, err := New(w.cfg, auth.Master(w.cfg.Database), "_Session", nil, sessionData, nil)
		if err != nil {
			return err
		}
		if _, err := sessionWrite.Execute(ctx); err != nil {
			return err
		}
	}

	if password, ok := w.data["password"].(string); ok {
		if w.query != nil {
			w.clearSessions = true
		}
		hashed, err := w.cfg.Hasher.Hash(password)
		if err != nil {
			return err
		}
		w.data["_hashed_password"] = hashed
		delete(w.data, "password")
	}

	if username, ok := w.data["username"].(string); ok && username != "" {
		taken, err := w.fieldTaken(ctx, "username", username)
		if err != nil {
			return err
		}
		if taken {
			return errors.New(errors.UsernameTaken, "Account already exists for this username")
		}
	} else if w.query == nil {
		w.data["username"] = ""
	}

	if email, ok := w.data["email"].(string); ok && email != "" {
		if !emailMatcher.MatchString(email) {
			return errors.New(errors.InvalidEmailAddress, "Email address format is invalid.")
		}
		taken, err := w.fieldTaken(ctx, "email", email)
		if err != nil {
			return err
		}
		if taken {
			return errors.New(errors.EmailTaken, "Account already exists for this email address")
		}
	}
	return nil
}

// fieldTaken reports whether another user already owns field=value.
func (w *Write) fieldTaken(ctx context.Context, field, value string) (bool, error) {
	opts := database.MasterOptions()
	opts.Limit = 1
	results, err := w.cfg.Database.Find(ctx, w.className, map[string]any{
		field:      value,
		"objectId": map[string]any{"$ne": w.objectID()},
	}, opts)
	if err != nil {
		return false, err
	}
	return len(results) > 0, nil
}

// handleSession issues a restricted session when a non-master caller
// creates one directly.
func (w *Write) handleSession(ctx context.Context) error {
	if w.response != nil || w.className != "_Session" {
		return nil
	}

	if w.auth.User == nil && !w.auth.IsMaster {
		return errors.New(errors.InvalidSessionToken, "Session token required.")
	}
	if _, ok := w.data["ACL"]; ok {
		return errors.New(errors.InvalidKeyName, "Cannot set ACL on a Session.")
	}

	if w.query == nil && !w.auth.IsMaster {
		sessionData := map[string]any{
			"sessionToken": id.NewSessionToken(),
			"user":         format.Pointer("_User", w.auth.UserID()),
			"createdWith":  map[string]any{"action": "create"},
			"restricted":   true,
			"expiresAt":    0,
		}
		for key, value := range w.data {
			if key == "objectId" || key == "createdAt" || key == "updatedAt" {
				continue
			}
			sessionData[key] = value
		}
		create, err := New(w.cfg, auth.Master(w.cfg.Database), "_Session", nil, sessionData, nil)
		if err != nil {
			return err
		}
		result, err := create.Execute(ctx)
		if err != nil {
			return err
		}
		if result == nil || result.Response == nil {
			return errors.New(errors.InternalServerError, "Error creating session.")
		}
		sessionData["objectId"] = result.Response["objectId"]
		w.response = &Response{
			Status:   201,
			Location: result.Location,
			Response: sessionData,
		}
	}
	return nil
}

// handleInstallation dedups installation rows by installationId and
// deviceToken. A matching row turns the create into an update.
func (w *Write) handleInstallation(ctx context.Context) error {
	if w.response != nil || w.className != "_Installation" {
		return nil
	}

	installationID, _ := w.data["installationId"].(string)
	deviceToken, _ := w.data["deviceToken"].(string)
	deviceType, _ := w.data["deviceType"].(string)

	if w.query == nil && deviceToken == "" && installationID == "" {
		return errors.New(errors.MissingInstallationID,
			"at least one ID field (deviceToken, installationId) must be specified in this operation")
	}
	if w.query == nil && deviceType == "" {
		return errors.New(errors.MissingInstallationID, "deviceType must be specified in this operation")
	}

	// 64-character device tokens are assumed to be iOS and lowercased.
	if len(deviceToken) == 64 {
		deviceToken = strings.ToLower(deviceToken)
		w.data["deviceToken"] = deviceToken
	}
	if installationID != "" {
		installationID = strings.ToLower(installationID)
		w.data["installationId"] = installationID
	}

	if deviceToken != "" && deviceType == "android" {
		return errors.New(errors.InvalidDeviceToken, "deviceToken may not be set for deviceType android")
	}

	if w.query != nil {
		if err := w.checkInstallationUpdate(ctx, installationID, deviceToken, deviceType); err != nil {
			return err
		}
	}

	var installationMatch map[string]any
	if installationID != "" {
		results, err := w.cfg.Database.Find(ctx, "_Installation",
			map[string]any{"installationId": installationID}, database.MasterOptions())
		if err != nil {
			return err
		}
		if len(results) > 0 {
			installationMatch = results[0]
		}
	}

	var deviceTokenMatches []map[string]any
	if deviceToken != "" {
		results, err := w.cfg.Database.Find(ctx, "_Installation",
			map[string]any{"deviceToken": deviceToken}, database.MasterOptions())
		if err != nil {
			return err
		}
		deviceTokenMatches = results
	}

	redirectID, err := w.resolveInstallation(ctx, installationMatch, deviceTokenMatches, installationID, deviceToken)
	if err != nil {
		return err
	}
	if redirectID != "" {
		w.query = map[string]any{"objectId": redirectID}
		delete(w.data, "objectId")
		delete(w.data, "createdAt")
	}
	return nil
}

func (w *Write) checkInstallationUpdate(ctx context.Context, installationID, deviceToken, deviceType string) error {
	results, err := w.cfg.Database.Find(ctx, "_Installation",
		map[string]any{"objectId": w.query["objectId"]}, database.MasterOptions())
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return errors.New(errors.ObjectNotFound, "Object not found for update.")
	}
	existing := results[0]
	existingInstallationID, _ := existing["installationId"].(string)
	existingDeviceToken, _ := existing["deviceToken"].(string)
	existingDeviceType, _ := existing["deviceType"].(string)

	if installationID != "" && existingInstallationID != "" && installationID != existingInstallationID {
		return errors.New(errors.InstallationFieldFixed, "installationId may not be changed in this operation")
	}
	if deviceToken != "" && existingDeviceToken != "" && deviceToken != existingDeviceToken &&
		installationID == "" && existingInstallationID == "" {
		return errors.New(errors.InstallationFieldFixed, "deviceToken may not be changed in this operation")
	}
	if deviceType != "" && existingDeviceType != "" && deviceType != existingDeviceType {
		return errors.New(errors.InstallationFieldFixed, "deviceType may not be changed in this operation")
	}
	return nil
}

// resolveInstallation decides which existing row, if any, this write
// should land on. Returning an id redirects the write there; returning
// "" lets it proceed as-is.
func (w *Write) resolveInstallation(ctx context.Context, installationMatch map[string]any, deviceTokenMatches []map[string]any, installationID, deviceToken string) (string, error) {
	if installationMatch == nil {
		if len(deviceTokenMatches) == 0 {
			return "", nil
		}
		matchInstallationID, _ := deviceTokenMatches[0]["installationId"].(string)
		if len(deviceTokenMatches) == 1 && (matchInstallationID == "" || installationID == "") {
			// Single device token match and one side has no
			// installationId: reuse the match.
			objectID, _ := deviceTokenMatches[0]["objectId"].(string)
			return objectID, nil
		}
		if installationID == "" {
			return "", errors.New(errors.InstallationIDMismatch,
				"Must specify installationId when deviceToken matches multiple Installation objects")
		}
		// Clean out other installations holding this device token and
		// create a fresh row.
		if err := w.destroyStaleInstallations(ctx, deviceToken, installationID); err != nil {
			return "", err
		}
		return "", nil
	}

	if len(deviceTokenMatches) == 1 {
		if matchInstallationID, _ := deviceTokenMatches[0]["installationId"].(string); matchInstallationID == "" {
			// The device token row has no installationId: merge into it
			// and drop the installationId row.
			if err := w.cfg.Database.Destroy(ctx, "_Installation",
				map[string]any{"objectId": installationMatch["objectId"]}, database.MasterOptions()); err != nil {
				return "", err
			}
			objectID, _ := deviceTokenMatches[0]["objectId"].(string)
			return objectID, nil
		}
	}

	if deviceToken != "" && installationMatch["deviceToken"] != deviceToken {
		if err := w.destroyStaleInstallations(ctx, deviceToken, installationID); err != nil {
			return "", err
		}
	}
	objectID, _ := installationMatch["objectId"].(string)
	return objectID, nil
}

func (w *Write) destroyStaleInstallations(ctx context.Context, deviceToken, installationID string) error {
	query := map[string]any{
		"deviceToken":    deviceToken,
		"installationId": map[string]any{"$ne": installationID},
	}
	if appIdentifier, ok := w.data["appIdentifier"]; ok {
		query["appIdentifier"] = appIdentifier
	}
	err := w.cfg.Database.Destroy(ctx, "_Installation", query, database.MasterOptions())
	if errors.CodeOf(err) == errors.ObjectNotFound {
		return nil
	}
	return err
}

func (w *Write) runDatabaseOperation(ctx context.Context) error {
	if w.response != nil {
		return nil
	}

	if w.className == "_User" && w.query != nil {
		if objectID, _ := w.query["objectId"].(string); !w.auth.CouldUpdateUserID(objectID) {
			return errors.Newf(errors.SessionMissing, "cannot modify user %s", objectID)
		}
	}

	if acl, ok := w.data["ACL"].(map[string]any); ok {
		if _, unresolved := acl["*unresolved"]; unresolved {
			return errors.New(errors.InvalidACL, "Invalid ACL.")
		}
	}

	opts := database.Options{Master: w.auth.IsMaster}
	if !w.auth.IsMaster && w.auth.User != nil {
		opts.ACLGroup = []string{w.auth.UserID()}
	}

	if w.query != nil {
		updated, err := w.cfg.Database.Update(ctx, w.className, w.query, w.data, opts)
		if err != nil {
			return err
		}
		updated["updatedAt"] = w.updatedAt
		w.response = &Response{Response: updated}
		return nil
	}

	if err := w.cfg.Database.Create(ctx, w.className, w.data, opts); err != nil {
		return err
	}
	response := map[string]any{
		"objectId":  w.data["objectId"],
		"createdAt": w.data["createdAt"],
	}
	if w.sessionToken != "" {
		response["sessionToken"] = w.sessionToken
	}
	w.response = &Response{
		Status:   201,
		Response: response,
		Location: w.location(),
	}
	return nil
}

// handleFollowup revokes every session of a user whose password
// changed.
func (w *Write) handleFollowup(ctx context.Context) error {
	if !w.clearSessions {
		return nil
	}
	w.clearSessions = false

	sessionQuery := map[string]any{"user": format.Pointer("_User", w.objectID())}
	sessions, err := w.cfg.Database.Find(ctx, "_Session", sessionQuery, database.MasterOptions())
	if err != nil {
		return err
	}
	if w.cfg.SessionCache != nil {
		for _, session := range sessions {
			if token, ok := session["sessionToken"].(string); ok {
				w.cfg.SessionCache.Invalidate(token)
			}
		}
	}
	if len(sessions) == 0 {
		return nil
	}
	return w.cfg.Database.Destroy(ctx, "_Session", sessionQuery, database.MasterOptions())
}

// runAfterTrigger fires afterSave without waiting for it.
func (w *Write) runAfterTrigger(ctx context.Context) error {
	if !w.cfg.Triggers.Has(w.className, triggers.AfterSave) {
		return nil
	}
	w.cfg.Triggers.RunAfterAsync(ctx, triggers.AfterSave, w.triggerRequest(), w.cfg.Log())
	return nil
}
