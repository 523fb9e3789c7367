package users

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/mail"
	"net/url"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"mercado/apperr"
	"mercado/auth"
	"mercado/mailer"
	"mercado/models"
	"mercado/rdx"
	"mercado/utils"
)

const loginCodeDigits = 6

type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (in *RegisterInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	if len(in.Name) < 2 {
		return apperr.Validation("Name must be at least 2 characters")
	}
	if len(in.Name) > 100 {
		return apperr.Validation("Name must not exceed 100 characters")
	}
	if addr, err := mail.ParseAddress(in.Email); err != nil || addr.Address != in.Email {
		return apperr.Validation("Invalid email format")
	}
	return validatePassword(in.Password)
}

func validatePassword(pw string) error {
	if len(pw) < 8 {
		return apperr.Validation("Password must be at least 8 characters")
	}
	// bcrypt ignores everything past 72 bytes.
	if len(pw) > 72 {
		return apperr.Validation("Password must not exceed 72 characters")
	}
	var upper, lower, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper || !lower || !digit {
		return apperr.Validation("Password must contain at least one uppercase letter, one lowercase letter, and one number")
	}
	return nil
}

// Register creates a customer account and mails an email verification link.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	existing, err := s.deps.Store.FindUserByEmail(ctx, in.Email)
	if err != nil {
		return nil, apperr.Internal("load user", err)
	}
	if existing != nil {
		return nil, apperr.Conflict("Email %s is already registered", in.Email)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.opts.BcryptCost)
	if err != nil {
		return nil, apperr.Internal("hash password", err)
	}
	u := &models.User{
		Name:                 in.Name,
		Email:                in.Email,
		PasswordHash:         string(hash),
		Role:                 models.RoleUser,
		NotifyBalanceUpdates: true,
	}
	if err := s.deps.Store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	log.Printf("[Users] registered user #%d <%s>", u.ID, u.Email)

	if err := s.sendEmailVerification(ctx, u); err != nil {
		log.Printf("[Users] verification email for user #%d: %v", u.ID, err)
	}
	return u, nil
}

func (s *Service) sendEmailVerification(ctx context.Context, u *models.User) error {
	token, err := s.deps.Tokens.Issue(auth.Claims{UserID: u.ID, Email: u.Email, Purpose: auth.PurposeEmailVerification}, emailVerificationTTL)
	if err != nil {
		return err
	}
	link := s.opts.AppURL + "/api/auth/verify-email?token=" + url.QueryEscape(token)
	msg, err := mailer.EmailVerification(u.Email, u.Name, link)
	if err != nil {
		return err
	}
	return s.deps.Mailer.Send(ctx, msg)
}

func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	claims, err := s.deps.Tokens.Verify(token, auth.PurposeEmailVerification)
	if errors.Is(err, auth.ErrExpired) {
		return apperr.Auth("Verification link expired")
	}
	if err != nil {
		return err
	}
	found, err := s.deps.Store.SetEmailVerified(ctx, claims.Email)
	if err != nil {
		return apperr.Internal("verify email", err)
	}
	if !found {
		return apperr.NotFound("User")
	}
	s.deps.Cache.Del(ctx, rdx.UserKey(claims.UserID))
	return nil
}

type LoginResult struct {
	SkipTwoFactor    bool         `json:"skipTwoFactor"`
	AccessToken      string       `json:"accessToken,omitempty"`
	PendingAuthToken string       `json:"pendingAuthToken,omitempty"`
	User             *models.User `json:"user,omitempty"`
}

// Login checks credentials. A valid trusted-device token for the same
// account signs the user in directly; otherwise a one-time code is mailed
// and a pending token is returned for VerifyLoginCode.
func (s *Service) Login(ctx context.Context, email, password, trustedDevice string) (*LoginResult, error) {
	u, err := s.deps.Store.FindUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, apperr.Internal("load user", err)
	}
	if u == nil || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, apperr.Auth("Invalid credentials")
	}
	if !u.EmailVerified {
		return nil, apperr.Auth("Email not verified")
	}

	if s.trustedDevice(trustedDevice, u) {
		access, err := s.accessToken(u)
		if err != nil {
			return nil, err
		}
		return &LoginResult{SkipTwoFactor: true, AccessToken: access, User: u}, nil
	}

	code, err := utils.GenerateRandomDigitString(loginCodeDigits)
	if err != nil {
		return nil, apperr.Internal("generate login code", err)
	}
	if err := s.deps.Cache.SetString(ctx, rdx.LoginCodeKey(u.ID), code, s.opts.LoginCodeTTL); err != nil {
		return nil, apperr.Internal("store login code", err)
	}
	pending, err := s.deps.Tokens.Issue(auth.Claims{UserID: u.ID, Email: u.Email, Purpose: auth.PurposeTwoFactor}, s.opts.LoginCodeTTL)
	if err != nil {
		return nil, apperr.Internal("issue pending token", err)
	}

	msg, err := mailer.LoginCode(u.Email, u.Name, code, s.opts.LoginCodeTTL)
	if err == nil {
		err = s.deps.Mailer.Send(ctx, msg)
	}
	if err != nil {
		return nil, apperr.Internal("send login code", err)
	}
	return &LoginResult{PendingAuthToken: pending}, nil
}

func (s *Service) trustedDevice(token string, u *models.User) bool {
	if token == "" {
		return false
	}
	claims, err := s.deps.Tokens.Verify(token, auth.PurposeTrustedDevice)
	if err != nil {
		return false
	}
	return claims.UserID == u.ID && claims.Email == u.Email
}

type Session struct {
	AccessToken        string       `json:"accessToken"`
	TrustedDeviceToken string       `json:"-"`
	User               *models.User `json:"user"`
}

// VerifyLoginCode exchanges a pending token and the mailed code for an
// access token. Codes are single use.
func (s *Service) VerifyLoginCode(ctx context.Context, pendingToken, code string, rememberDevice bool) (*Session, error) {
	claims, err := s.deps.Tokens.Verify(pendingToken, auth.PurposeTwoFactor)
	if errors.Is(err, auth.ErrExpired) {
		return nil, apperr.Auth("Code expired")
	}
	if err != nil {
		return nil, err
	}

	key := rdx.LoginCodeKey(claims.UserID)
	stored, ok, err := s.deps.Cache.GetString(ctx, key)
	if err != nil {
		return nil, apperr.Internal("load login code", err)
	}
	if !ok {
		return nil, apperr.Auth("Code expired")
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(strings.TrimSpace(code))) != 1 {
		return nil, apperr.Auth("Invalid code")
	}
	s.deps.Cache.Del(ctx, key)

	u, err := s.deps.Store.FindUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, apperr.Internal("load user", err)
	}
	if u == nil {
		return nil, apperr.NotFound("User")
	}

	access, err := s.accessToken(u)
	if err != nil {
		return nil, err
	}
	sess := &Session{AccessToken: access, User: u}
	if rememberDevice {
		sess.TrustedDeviceToken, err = s.deps.Tokens.Issue(auth.Claims{UserID: u.ID, Email: u.Email, Purpose: auth.PurposeTrustedDevice}, s.opts.TrustedDeviceTTL)
		if err != nil {
			return nil, apperr.Internal("issue trusted device token", err)
		}
	}
	return sess, nil
}

func (s *Service) accessToken(u *models.User) (string, error) {
	token, err := s.deps.Tokens.Issue(auth.Claims{UserID: u.ID, Email: u.Email, Role: u.Role, Purpose: auth.PurposeAccess}, s.opts.AccessTokenTTL)
	if err != nil {
		return "", apperr.Internal("issue access token", err)
	}
	return token, nil
}

func (s *Service) TrustedDeviceTTL() time.Duration {
	return s.opts.TrustedDeviceTTL
}
