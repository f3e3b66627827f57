package http

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v2"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/vadimbarashkov/shortlink-registry/internal/identity"
	"github.com/vadimbarashkov/shortlink-registry/internal/models"
	"github.com/vadimbarashkov/shortlink-registry/internal/service"
	"github.com/vadimbarashkov/shortlink-registry/internal/shortcode"
	"github.com/vadimbarashkov/shortlink-registry/pkg/response"
	"github.com/vadimbarashkov/shortlink-registry/pkg/sse"
)

// countryHeader is the best-effort geolocation header set by the CDN.
const countryHeader = "CF-IPCountry"

func handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "pong")
}

func handleSignIn(sessions *identity.Sessions, validate *validator.Validate) http.HandlerFunc {
	const op = "api.http.handleSignIn"
	const successMsg = "Signed in successfully."

	return func(w http.ResponseWriter, r *http.Request) {
		var req signInRequest

		if err := render.DecodeJSON(r.Body, &req); err != nil {
			if errors.Is(err, io.EOF) {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, response.EmptyRequestBodyResponse)
				return
			}

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.BadRequestResponse)
			return
		}

		if err := validate.Struct(req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.ValidationErrorResponse(err))
			return
		}

		user := identity.User{
			Login:      req.Login,
			AvatarURL:  req.AvatarURL,
			ProfileURL: req.ProfileURL,
		}

		sessionID, err := sessions.Create(r.Context(), user)
		if err != nil {
			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.ServerErrorResponse)
			return
		}

		http.SetCookie(w, &http.Cookie{
			Name:     identity.SessionCookie,
			Value:    sessionID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, response.SuccessResponse(successMsg, user))
	}
}

func handleSignOut(w http.ResponseWriter, r *http.Request) {
	const successMsg = "Signed out successfully."

	http.SetCookie(w, &http.Cookie{
		Name:     identity.SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response.SuccessResponse(successMsg))
}

func handleCreateLink(svc ShortLinkService, validate *validator.Validate) http.HandlerFunc {
	const op = "api.http.handleCreateLink"
	const successMsg = "The short link has been created successfully."

	return func(w http.ResponseWriter, r *http.Request) {
		user := identity.UserFromContext(r.Context())
		if user == nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.UnauthorizedResponse)
			return
		}

		var req createLinkRequest

		if err := render.DecodeJSON(r.Body, &req); err != nil {
			if errors.Is(err, io.EOF) {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, response.EmptyRequestBodyResponse)
				return
			}

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.BadRequestResponse)
			return
		}

		if err := validate.Struct(req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.ValidationErrorResponse(err))
			return
		}

		link, err := svc.Shorten(r.Context(), req.LongURL, user.Login)
		if err != nil {
			if errors.Is(err, shortcode.ErrInvalidURL) {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, response.BadRequestResponse)
				return
			}

			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.ServerErrorResponse)
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, response.SuccessResponse(successMsg, toLinkResponse(link)))
	}
}

func handleListLinks(svc ShortLinkService) http.HandlerFunc {
	const op = "api.http.handleListLinks"
	const successMsg = "The links were retrieved successfully."

	return func(w http.ResponseWriter, r *http.Request) {
		user := identity.UserFromContext(r.Context())
		if user == nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.UnauthorizedResponse)
			return
		}

		data := make([]linkResponse, 0)
		for link, err := range svc.ListByOwner(r.Context(), user.Login) {
			if err != nil {
				httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, response.ServerErrorResponse)
				return
			}
			data = append(data, toLinkResponse(&link))
		}

		render.Status(r, http.StatusOK)
		render.JSON(w, r, response.SuccessResponse(successMsg, data))
	}
}

func handleListAllLinks(svc ShortLinkService) http.HandlerFunc {
	const op = "api.http.handleListAllLinks"
	const successMsg = "The links were retrieved successfully."

	return func(w http.ResponseWriter, r *http.Request) {
		user := identity.UserFromContext(r.Context())
		if user == nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.UnauthorizedResponse)
			return
		}

		data := make([]linkResponse, 0)
		for link, err := range svc.ListAll(r.Context()) {
			if err != nil {
				httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, response.ServerErrorResponse)
				return
			}
			data = append(data, toLinkResponse(&link))
		}

		render.Status(r, http.StatusOK)
		render.JSON(w, r, response.SuccessResponse(successMsg, data))
	}
}

func handleGetLink(svc ShortLinkService) http.HandlerFunc {
	const op = "api.http.handleGetLink"
	const successMsg = "The link was retrieved successfully."

	return func(w http.ResponseWriter, r *http.Request) {
		shortCode := chi.URLParam(r, "shortCode")

		link, err := svc.GetByCode(r.Context(), shortCode)
		if err != nil {
			if errors.Is(err, service.ErrLinkNotFound) {
				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, response.ResourceNotFoundResponse)
				return
			}

			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.ServerErrorResponse)
			return
		}

		render.Status(r, http.StatusOK)
		render.JSON(w, r, response.SuccessResponse(successMsg, toLinkResponse(link)))
	}
}

func handleRedirect(svc ShortLinkService) http.HandlerFunc {
	const op = "api.http.handleRedirect"

	return func(w http.ResponseWriter, r *http.Request) {
		shortCode := chi.URLParam(r, "shortCode")

		link, err := svc.GetByCode(r.Context(), shortCode)
		if err != nil {
			if errors.Is(err, service.ErrLinkNotFound) {
				render.Status(r, http.StatusNotFound)
				render.JSON(w, r, response.ResourceNotFoundResponse)
				return
			}

			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.ServerErrorResponse)
			return
		}

		// Analytics never block the redirect: a lost race or store failure
		// is logged and the visitor is sent on regardless.
		if _, err := svc.RecordClick(r.Context(), shortCode, clickMetadata(r)); err != nil {
			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})
		}

		http.Redirect(w, r, link.LongURL, http.StatusSeeOther)
	}
}

func clickMetadata(r *http.Request) models.ClickMetadata {
	addr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}

	return models.ClickMetadata{
		SourceAddr: addr,
		UserAgent:  r.UserAgent(),
		Country:    r.Header.Get(countryHeader),
	}
}

func handleRealtime(svc ShortLinkService) http.HandlerFunc {
	const op = "api.http.handleRealtime"

	return func(w http.ResponseWriter, r *http.Request) {
		user := identity.UserFromContext(r.Context())
		if user == nil {
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.UnauthorizedResponse)
			return
		}

		shortCode := chi.URLParam(r, "shortCode")

		// Subscribe before opening the stream so no commit between the two
		// is missed.
		sub := svc.Subscribe(shortCode)
		defer sub.Cancel()

		sw, err := sse.NewWriter(w)
		if err != nil {
			httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, response.ServerErrorResponse)
			return
		}
		sw.Flush()

		// The loop ends when the subscription is cancelled or the client
		// goes away; r.Context() covers both the peer closing the
		// connection and server shutdown.
		for sub.Next(r.Context()) {
			link, err := svc.GetByCode(r.Context(), shortCode)
			if err != nil {
				httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})
				return
			}

			payload := realtimePayload{ClickCount: link.ClickCount}
			if link.ClickCount > 0 {
				event, err := svc.GetClickEvent(r.Context(), shortCode, link.ClickCount)
				if err != nil {
					httplog.LogEntrySetFields(r.Context(), map[string]any{"op": op, "err": err})
				} else {
					payload.ClickAnalytics = toClickEventResponse(event)
				}
			}

			if err := sw.Send(payload); err != nil {
				return
			}
		}
	}
}
