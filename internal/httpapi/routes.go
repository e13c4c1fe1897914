package httpapi

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mzolotarev/authd/internal/authcore"
)

// Handler owns the HTTP boundary. The core never sees unvalidated input;
// every operation binds a typed request struct first and maps core error
// kinds onto transport status codes here.
type Handler struct {
	service *authcore.Service
	signer  *authcore.Signer
	logger  *zap.Logger
}

// NewHandler constructs the boundary handler.
func NewHandler(service *authcore.Service, signer *authcore.Signer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service: service,
		signer:  signer,
		logger:  logger,
	}
}

// MountRoutes registers the public auth routes and the authenticated /api
// group on the router.
func (handler *Handler) MountRoutes(router gin.IRouter) {
	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/refresh", handler.handleRefresh)
	router.POST("/auth/logout", handler.handleLogout)
	router.POST("/auth/verify-email", handler.handleVerifyEmail)
	router.POST("/auth/password-reset/request", handler.handlePasswordResetRequest)
	router.POST("/auth/password-reset/confirm", handler.handlePasswordResetConfirm)

	protected := router.Group("/api")
	protected.Use(RequireAccess(handler.signer))
	protected.GET("/me", handler.handleWhoAmI)
	protected.POST("/password", handler.handleChangePassword)
	protected.POST("/email", handler.handleChangeEmail)
	protected.DELETE("/account", handler.handleDeactivate)

	admin := protected.Group("")
	admin.Use(RequireRole(authcore.RoleAdmin))
	admin.POST("/role", handler.handleChangeRole)
}

type registerRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (handler *Handler) handleRegister(contextGin *gin.Context) {
	var inbound registerRequest
	if err := contextGin.BindJSON(&inbound); err != nil || !validEmail(inbound.Email) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	account, registerErr := handler.service.Register(contextGin.Request.Context(), inbound.Email, inbound.Password)
	if registerErr != nil {
		switch {
		case errors.Is(registerErr, authcore.ErrEmailTaken):
			contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "email_taken"})
		case errors.Is(registerErr, authcore.ErrPasswordTooShort):
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "password_too_short"})
		default:
			handler.internalError(contextGin, "api.register", registerErr)
		}
		return
	}
	contextGin.JSON(http.StatusCreated, gin.H{
		"account_id": account.ID,
		"email":      account.Email,
	})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (handler *Handler) handleLogin(contextGin *gin.Context) {
	var inbound loginRequest
	if err := contextGin.BindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pair, loginErr := handler.service.Login(contextGin.Request.Context(), inbound.Email, inbound.Password)
	if loginErr != nil {
		switch {
		case errors.Is(loginErr, authcore.ErrInvalidCredentials):
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		case errors.Is(loginErr, authcore.ErrAccountDeactivated):
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account_deactivated"})
		case errors.Is(loginErr, authcore.ErrEmailNotVerified):
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "email_not_verified"})
		default:
			handler.internalError(contextGin, "api.login", loginErr)
		}
		return
	}
	writeTokenPair(contextGin, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (handler *Handler) handleRefresh(contextGin *gin.Context) {
	var inbound refreshRequest
	if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pair, refreshErr := handler.service.Refresh(contextGin.Request.Context(), inbound.RefreshToken)
	if refreshErr != nil {
		if errors.Is(refreshErr, authcore.ErrReauthenticationRequired) {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "reauthentication_required"})
			return
		}
		handler.internalError(contextGin, "api.refresh", refreshErr)
		return
	}
	writeTokenPair(contextGin, pair)
}

func (handler *Handler) handleLogout(contextGin *gin.Context) {
	var inbound refreshRequest
	if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if logoutErr := handler.service.Logout(contextGin.Request.Context(), inbound.RefreshToken); logoutErr != nil {
		handler.internalError(contextGin, "api.logout", logoutErr)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

type verifyEmailRequest struct {
	Token string `json:"token" binding:"required"`
}

func (handler *Handler) handleVerifyEmail(contextGin *gin.Context) {
	var inbound verifyEmailRequest
	if err := contextGin.BindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	account, verifyErr := handler.service.VerifyEmail(contextGin.Request.Context(), inbound.Token)
	if verifyErr != nil {
		handler.writeOneTimeTokenError(contextGin, "api.verify_email", verifyErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"account_id": account.ID,
		"email":      account.Email,
		"verified":   account.EmailVerified,
	})
}

type passwordResetRequest struct {
	Email string `json:"email" binding:"required"`
}

func (handler *Handler) handlePasswordResetRequest(contextGin *gin.Context) {
	var inbound passwordResetRequest
	if err := contextGin.BindJSON(&inbound); err != nil || !validEmail(inbound.Email) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if requestErr := handler.service.RequestPasswordReset(contextGin.Request.Context(), inbound.Email); requestErr != nil {
		handler.internalError(contextGin, "api.reset_request", requestErr)
		return
	}
	// Accepted regardless of whether the account exists.
	contextGin.Status(http.StatusAccepted)
}

type passwordResetConfirm struct {
	Token       string `json:"token" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

func (handler *Handler) handlePasswordResetConfirm(contextGin *gin.Context) {
	var inbound passwordResetConfirm
	if err := contextGin.BindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resetErr := handler.service.ResetPassword(contextGin.Request.Context(), inbound.Token, inbound.NewPassword)
	if resetErr != nil {
		if errors.Is(resetErr, authcore.ErrPasswordTooShort) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "password_too_short"})
			return
		}
		handler.writeOneTimeTokenError(contextGin, "api.reset_confirm", resetErr)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (handler *Handler) handleWhoAmI(contextGin *gin.Context) {
	claims := claimsFromContext(contextGin)
	if claims == nil {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"account_id": claims.AccountID,
		"email":      claims.AccountEmail,
		"role":       claims.AccountRole,
		"expires":    claims.ExpiresAt.Time,
	})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required"`
}

func (handler *Handler) handleChangePassword(contextGin *gin.Context) {
	claims := claimsFromContext(contextGin)
	if claims == nil {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	var inbound changePasswordRequest
	if err := contextGin.BindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	changeErr := handler.service.ChangePassword(contextGin.Request.Context(), claims.AccountID, inbound.CurrentPassword, inbound.NewPassword)
	if changeErr != nil {
		switch {
		case errors.Is(changeErr, authcore.ErrInvalidCredentials):
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		case errors.Is(changeErr, authcore.ErrPasswordTooShort):
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "password_too_short"})
		default:
			handler.internalError(contextGin, "api.change_password", changeErr)
		}
		return
	}
	contextGin.Status(http.StatusNoContent)
}

type changeEmailRequest struct {
	NewEmail string `json:"new_email" binding:"required"`
}

func (handler *Handler) handleChangeEmail(contextGin *gin.Context) {
	claims := claimsFromContext(contextGin)
	if claims == nil {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	var inbound changeEmailRequest
	if err := contextGin.BindJSON(&inbound); err != nil || !validEmail(inbound.NewEmail) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	changeErr := handler.service.ChangeEmail(contextGin.Request.Context(), claims.AccountID, inbound.NewEmail)
	if changeErr != nil {
		if errors.Is(changeErr, authcore.ErrEmailTaken) {
			contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "email_taken"})
			return
		}
		handler.internalError(contextGin, "api.change_email", changeErr)
		return
	}
	contextGin.Status(http.StatusAccepted)
}

type changeRoleRequest struct {
	AccountID string `json:"account_id" binding:"required"`
	Role      string `json:"role" binding:"required"`
}

func (handler *Handler) handleChangeRole(contextGin *gin.Context) {
	var inbound changeRoleRequest
	if err := contextGin.BindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, roleErr := authcore.ParseRole(inbound.Role)
	if roleErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}
	changeErr := handler.service.ChangeRole(contextGin.Request.Context(), inbound.AccountID, role)
	if changeErr != nil {
		if errors.Is(changeErr, authcore.ErrAccountNotFound) {
			contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
			return
		}
		handler.internalError(contextGin, "api.change_role", changeErr)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (handler *Handler) handleDeactivate(contextGin *gin.Context) {
	claims := claimsFromContext(contextGin)
	if claims == nil {
		contextGin.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	if deactivateErr := handler.service.Deactivate(contextGin.Request.Context(), claims.AccountID); deactivateErr != nil {
		handler.internalError(contextGin, "api.deactivate", deactivateErr)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

// writeOneTimeTokenError distinguishes expired from invalid links. Both
// flows here are addressed to the account owner's own mailbox, so the
// distinction does not aid enumeration.
func (handler *Handler) writeOneTimeTokenError(contextGin *gin.Context, code string, err error) {
	switch {
	case errors.Is(err, authcore.ErrOneTimeTokenExpired):
		contextGin.AbortWithStatusJSON(http.StatusGone, gin.H{"error": "token_expired"})
	case errors.Is(err, authcore.ErrOneTimeTokenNotFound), errors.Is(err, authcore.ErrOneTimeTokenAlreadyUsed):
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "token_invalid"})
	default:
		handler.internalError(contextGin, code, err)
	}
}

func (handler *Handler) internalError(contextGin *gin.Context, code string, err error) {
	handler.logger.Error("request failed",
		zap.String("code", code),
		zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal"})
}

func writeTokenPair(contextGin *gin.Context, pair authcore.TokenPair) {
	contextGin.JSON(http.StatusOK, gin.H{
		"access_token":         pair.AccessToken,
		"access_expires_unix":  pair.AccessExpiresUnix,
		"refresh_token":        pair.RefreshToken,
		"refresh_expires_unix": pair.RefreshExpiresUnix,
	})
}

func validEmail(email string) bool {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return false
	}
	parsed, err := mail.ParseAddress(trimmed)
	return err == nil && parsed.Address == trimmed
}
