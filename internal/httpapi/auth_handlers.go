package httpapi

import (
	"net/http"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/authflow"
	"gatekeep.dev/internal/authstate"
	"gatekeep.dev/internal/edge"
	"gatekeep.dev/internal/gateway"
	"gatekeep.dev/internal/guard"
	"gatekeep.dev/internal/provider"
)

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Redirect string `json:"redirect,omitempty"`
}

type forgotRequest struct {
	Email string `json:"email"`
}

// authResponse is the auth state the client should hold after an action,
// plus what to tell the user and where to go.
type authResponse struct {
	User            *auth.Identity         `json:"user"`
	Profile         *auth.Profile          `json:"profile"`
	Organization    *auth.Organization     `json:"organization"`
	IsAuthenticated bool                   `json:"isAuthenticated"`
	Notification    *authflow.Notification `json:"notification,omitempty"`
	Redirect        string                 `json:"redirect,omitempty"`
}

type errorResponse struct {
	Error        string                 `json:"error"`
	Code         string                 `json:"code"`
	Field        string                 `json:"field,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	Notification *authflow.Notification `json:"notification,omitempty"`
}

// gateway binds a gateway to this request's session cookie.
func (a *API) gateway(w http.ResponseWriter, r *http.Request) *gateway.Gateway {
	storage := provider.NewCookieStorage(w, r, a.cfg.CookieName, a.cfg.CookieSecure)
	return gateway.New(a.cfg.Backend.Client(storage), a.cfg.Records, gateway.WithSiteURL(a.cfg.SiteURL))
}

func (a *API) notify(r *http.Request, action authflow.Action, err error) *authflow.Notification {
	n := authflow.NotificationFor(action, err)
	a.cfg.Notifier.Notify(r.Context(), n)
	return &n
}

func stateResponse(cu auth.CurrentUser) authResponse {
	st := authstate.FromCurrentUser(cu)
	return authResponse{
		User:            st.User,
		Profile:         st.Profile,
		Organization:    st.Organization,
		IsAuthenticated: st.IsAuthenticated,
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, action authflow.Action, err error) {
	authErr := auth.Normalize(err)
	writeJSON(w, statusFor(authErr), errorResponse{
		Error:        authErr.Message,
		Code:         authErr.Code,
		Field:        authErr.Field,
		RequestID:    RequestIDFromContext(r.Context()),
		Notification: a.notify(r, action, authErr),
	})
}

func statusFor(err *auth.Error) int {
	switch err.Kind {
	case auth.KindValidation, auth.KindWeakPassword, auth.KindIncorrectCurrentPassword:
		return http.StatusBadRequest
	case auth.KindInvalidCredentials, auth.KindNoSession:
		return http.StatusUnauthorized
	case auth.KindEmailNotVerified, auth.KindSignupDisabled:
		return http.StatusForbidden
	case auth.KindEmailAlreadyRegistered:
		return http.StatusConflict
	case auth.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *API) badRequest(w http.ResponseWriter, r *http.Request, action authflow.Action, err error) {
	a.fail(w, r, action, auth.ValidationError("", err.Error()))
}

func (a *API) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(r, &req); err != nil {
		a.badRequest(w, r, authflow.ActionSignIn, err)
		return
	}
	gw := a.gateway(w, r)
	res, err := gw.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		a.fail(w, r, authflow.ActionSignIn, err)
		return
	}
	r = r.WithContext(auth.ContextWithIdentity(r.Context(), res.User))
	cu, ok := a.requireUser(w, r, gw, authflow.ActionSignIn)
	if !ok {
		return
	}
	resp := stateResponse(cu)
	resp.Notification = a.notify(r, authflow.ActionSignIn, nil)
	resp.Redirect = guard.SafeTarget(req.Redirect, guard.DefaultLanding)
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) signUp(w http.ResponseWriter, r *http.Request) {
	var req auth.SignUpInput
	if err := decodeJSON(r, &req); err != nil {
		a.badRequest(w, r, authflow.ActionSignUp, err)
		return
	}
	if err := req.Validate(); err != nil {
		a.fail(w, r, authflow.ActionSignUp, err)
		return
	}
	gw := a.gateway(w, r)
	res, err := gw.SignUp(r.Context(), req.Email, req.Password, req.FullName)
	if err != nil {
		a.fail(w, r, authflow.ActionSignUp, err)
		return
	}
	resp := authResponse{User: res.User}
	if res.Session != nil {
		resp = stateResponse(gw.GetCurrentUser(r.Context()))
	}
	resp.Notification = a.notify(r, authflow.ActionSignUp, nil)
	resp.Redirect = authflow.VerifyEmailPath
	writeJSON(w, http.StatusCreated, resp)
}

// signOut always clears the cookie. A failed remote invalidation is reported
// in the body of an otherwise successful response.
func (a *API) signOut(w http.ResponseWriter, r *http.Request) {
	err := a.gateway(w, r).SignOut(r.Context())
	resp := stateResponse(auth.CurrentUser{})
	resp.Notification = a.notify(r, authflow.ActionSignOut, err)
	resp.Redirect = guard.DefaultLoginPath
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) forgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotRequest
	if err := decodeJSON(r, &req); err != nil {
		a.badRequest(w, r, authflow.ActionForgotPassword, err)
		return
	}
	if _, err := a.gateway(w, r).SendPasswordReset(r.Context(), req.Email); err != nil {
		a.fail(w, r, authflow.ActionForgotPassword, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":           true,
		"notification": a.notify(r, authflow.ActionForgotPassword, nil),
	})
}

func (a *API) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req auth.ResetPasswordInput
	if err := decodeJSON(r, &req); err != nil {
		a.badRequest(w, r, authflow.ActionResetPassword, err)
		return
	}
	if err := req.Validate(); err != nil {
		a.fail(w, r, authflow.ActionResetPassword, err)
		return
	}
	if _, err := a.gateway(w, r).ResetPassword(r.Context(), req.Password); err != nil {
		a.fail(w, r, authflow.ActionResetPassword, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"redirect":     guard.DefaultLoginPath,
		"notification": a.notify(r, authflow.ActionResetPassword, nil),
	})
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse(a.gateway(w, r).GetCurrentUser(r.Context())))
}

// requireUser resolves the signed-in user or answers 401.
func (a *API) requireUser(w http.ResponseWriter, r *http.Request, gw *gateway.Gateway, action authflow.Action) (auth.CurrentUser, bool) {
	cu, err := gw.LookupCurrentUser(r.Context())
	if err == nil && cu.User == nil {
		err = provider.SessionMissing()
	}
	if err != nil {
		a.fail(w, r, action, err)
		return auth.CurrentUser{}, false
	}
	return cu, true
}

func (a *API) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req auth.ProfileUpdate
	if err := decodeJSON(r, &req); err != nil {
		a.badRequest(w, r, authflow.ActionUpdateProfile, err)
		return
	}
	gw := a.gateway(w, r)
	cu, ok := a.requireUser(w, r, gw, authflow.ActionUpdateProfile)
	if !ok {
		return
	}
	ctx := auth.ContextWithIdentity(r.Context(), cu.User)
	profile, err := gw.UpdateProfile(ctx, cu.User.ID, req)
	if err != nil {
		a.fail(w, r, authflow.ActionUpdateProfile, err)
		return
	}
	cu.Profile = profile
	resp := stateResponse(cu)
	resp.Notification = a.notify(r, authflow.ActionUpdateProfile, nil)
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) changePassword(w http.ResponseWriter, r *http.Request) {
	var req auth.ChangePasswordInput
	if err := decodeJSON(r, &req); err != nil {
		a.badRequest(w, r, authflow.ActionChangePassword, err)
		return
	}
	if err := req.Validate(); err != nil {
		a.fail(w, r, authflow.ActionChangePassword, err)
		return
	}
	gw := a.gateway(w, r)
	cu, ok := a.requireUser(w, r, gw, authflow.ActionChangePassword)
	if !ok {
		return
	}
	ctx := auth.ContextWithIdentity(r.Context(), cu.User)
	if _, err := gw.ChangePassword(ctx, cu.User.ID, req.CurrentPassword, req.NewPassword); err != nil {
		a.fail(w, r, authflow.ActionChangePassword, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"notification": a.notify(r, authflow.ActionChangePassword, nil),
	})
}

// can answers what the route guard would do for the caller on ?path=.
func (a *API) can(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" || path[0] != '/' {
		writeError(w, r, http.StatusBadRequest, "path must be an absolute path")
		return
	}
	st := authstate.FromCurrentUser(a.gateway(w, r).GetCurrentUser(r.Context()))
	decision := guard.Evaluate(st, path, edge.RequirementsFor(path))
	writeJSON(w, http.StatusOK, map[string]any{
		"path":     path,
		"class":    edge.Classify(path),
		"decision": decision,
	})
}
