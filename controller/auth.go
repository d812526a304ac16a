package controller

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strconv"
	"time"

	"fuelq-chat/chat"
	"fuelq-chat/database"
	"fuelq-chat/middleware"
	"fuelq-chat/model"
	"fuelq-chat/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type AuthSignupInput struct {
	Username    string `json:"username" validate:"required,min=3,max=32,alphanum"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	DisplayName string `json:"displayName" validate:"max=64"`
}

type AuthLoginInput struct {
	Login    string `json:"login" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type AuthRenewTokenInput struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type AuthOtpSecretInput struct {
	Password string `json:"password" validate:"required"`
}

type AuthOtpVerifyInput struct {
	Token string `json:"token" validate:"required"`
}

type AuthOtpValidateInput struct {
	Token string `json:"token" validate:"required"`
}

type AuthOtpDisableInput struct {
	Password string `json:"password" validate:"required"`
	Token    string `json:"token" validate:"required"`
}

// RoleGranter is satisfied by *casbin.Enforcer.
type RoleGranter interface {
	AddGroupingPolicy(params ...interface{}) (bool, error)
}

type Auth struct {
	db         *gorm.DB
	tokens     *utils.TokenManager
	store      utils.TokenStore
	roles      RoleGranter
	issuer     string
	cost       int
	refreshTTL time.Duration
	log        *logrus.Entry
}

type AuthOptions struct {
	Issuer     string
	BcryptCost int
	RefreshTTL time.Duration
}

func NewAuth(db *gorm.DB, tokens *utils.TokenManager, store utils.TokenStore, roles RoleGranter, opts AuthOptions, log *logrus.Entry) *Auth {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	return &Auth{
		db:         db,
		tokens:     tokens,
		store:      store,
		roles:      roles,
		issuer:     opts.Issuer,
		cost:       opts.BcryptCost,
		refreshTTL: opts.RefreshTTL,
		log:        log,
	}
}

func (a *Auth) Signup(c *fiber.Ctx) error {
	input := new(AuthSignupInput)
	if err := parse(c, input); err != nil {
		return fail(c, a.log, err)
	}

	// If existed email is found, return error
	if count := a.db.WithContext(c.UserContext()).
		Where(&model.User{Email: input.Email}).
		Limit(1).
		Find(new(model.User)).
		RowsAffected; count > 0 {
		return reject(c, fiber.StatusBadRequest, "Email is already registered")
	}

	// If existed username is found, return error
	if count := a.db.WithContext(c.UserContext()).
		Where(&model.User{Username: input.Username}).
		Limit(1).
		Find(new(model.User)).
		RowsAffected; count > 0 {
		return reject(c, fiber.StatusBadRequest, "Username is already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), a.cost)
	if err != nil {
		return fail(c, a.log, err)
	}

	// Generate OTP secret
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      a.issuer,
		AccountName: input.Email,
		SecretSize:  15,
	})
	if err != nil {
		return fail(c, a.log, err)
	}

	user := &model.User{
		Username:    input.Username,
		Email:       input.Email,
		Password:    string(hash),
		DisplayName: input.DisplayName,
		Role:        database.RoleUser,
		OtpSecret:   key.Secret(),
	}
	if err := a.db.WithContext(c.UserContext()).Create(user).Error; err != nil {
		return fail(c, a.log, err)
	}

	// Add casbin policy
	if _, err := a.roles.AddGroupingPolicy(userKey(user.ID), user.Role); err != nil {
		a.log.WithError(err).WithField("user", user.ID).Error("role not granted")
	}

	return success(c, fiber.StatusCreated, fiber.Map{"id": user.ID})
}

func (a *Auth) Signin(c *fiber.Ctx) error {
	input := new(AuthLoginInput)
	if err := parse(c, input); err != nil {
		return fail(c, a.log, err)
	}

	user := new(model.User)
	q := a.db.WithContext(c.UserContext())
	if _, err := mail.ParseAddress(input.Login); err == nil {
		q = q.Where(&model.User{Email: input.Login})
	} else {
		q = q.Where(&model.User{Username: input.Login})
	}
	if err := q.Take(user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return reject(c, fiber.StatusUnauthorized, "Invalid login or password")
		}
		return fail(c, a.log, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(input.Password)); err != nil {
		return reject(c, fiber.StatusUnauthorized, "Invalid login or password")
	}

	tokens, err := a.issue(c, user.ID, user.OtpEnabled)
	if err != nil {
		return fail(c, a.log, err)
	}

	return success(c, fiber.StatusOK, fiber.Map{
		"access":  tokens.Access,
		"refresh": tokens.Refresh,
		"2fa":     user.OtpEnabled,
	})
}

// issue generates a token pair and remembers the refresh token as the only valid one.
func (a *Auth) issue(c *fiber.Ctx, id uint, otp bool) (*utils.Tokens, error) {
	tokens, err := a.tokens.GenerateTokens(id, otp)
	if err != nil {
		return nil, err
	}
	if err := a.store.Save(c.UserContext(), id, tokens.Refresh, a.refreshTTL); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (a *Auth) TokenRenew(c *fiber.Ctx) error {
	renew := new(AuthRenewTokenInput)
	if err := parse(c, renew); err != nil {
		return fail(c, a.log, err)
	}

	claims, err := a.tokens.ParseRefresh(renew.RefreshToken)
	if err != nil {
		return reject(c, fiber.StatusUnauthorized, "Invalid token")
	}

	current, err := a.store.Get(c.UserContext(), claims.ID)
	if errors.Is(err, utils.ErrTokenNotFound) || (err == nil && current != renew.RefreshToken) {
		return reject(c, fiber.StatusUnauthorized, "Unauthorized, your refresh token was already used")
	}
	if err != nil {
		return fail(c, a.log, err)
	}

	tokens, err := a.issue(c, claims.ID, claims.Otp)
	if err != nil {
		return fail(c, a.log, err)
	}

	return success(c, fiber.StatusOK, fiber.Map{
		"access":  tokens.Access,
		"refresh": tokens.Refresh,
		"2fa":     claims.Otp,
	})
}

func (a *Auth) current(c *fiber.Ctx) (*model.User, error) {
	user := new(model.User)
	err := a.db.WithContext(c.UserContext()).Take(user, middleware.UserID(c)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, chat.ErrUserNotFound
	}
	return user, err
}

func (a *Auth) OtpSecret(c *fiber.Ctx) error {
	secret := new(AuthOtpSecretInput)
	if err := parse(c, secret); err != nil {
		return fail(c, a.log, err)
	}

	user, err := a.current(c)
	if err != nil {
		return fail(c, a.log, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(secret.Password)); err != nil {
		return reject(c, fiber.StatusUnauthorized, "Invalid password")
	}

	return success(c, fiber.StatusOK, fiber.Map{
		"secret": user.OtpSecret,
		"url": fmt.Sprintf("otpauth://totp/%s:%s?algorithm=SHA1&digits=6&issuer=%s&period=30&secret=%s",
			url.PathEscape(a.issuer),
			url.PathEscape(user.Email),
			url.QueryEscape(a.issuer),
			user.OtpSecret,
		),
	})
}

func (a *Auth) OtpVerify(c *fiber.Ctx) error {
	verify := new(AuthOtpVerifyInput)
	if err := parse(c, verify); err != nil {
		return fail(c, a.log, err)
	}

	user, err := a.current(c)
	if err != nil {
		return fail(c, a.log, err)
	}

	if user.OtpEnabled {
		return reject(c, fiber.StatusUnauthorized, "Verification has already been performed earlier")
	}

	if !totp.Validate(verify.Token, user.OtpSecret) {
		return reject(c, fiber.StatusUnauthorized, "Invalid token")
	}

	if err := a.db.WithContext(c.UserContext()).Model(user).Update("otp_enabled", true).Error; err != nil {
		return fail(c, a.log, err)
	}
	return success(c, fiber.StatusOK, nil)
}

// OtpValidate exchanges a half-authenticated session for full tokens.
func (a *Auth) OtpValidate(c *fiber.Ctx) error {
	validate := new(AuthOtpValidateInput)
	if err := parse(c, validate); err != nil {
		return fail(c, a.log, err)
	}

	user, err := a.current(c)
	if err != nil {
		return fail(c, a.log, err)
	}

	if !user.OtpEnabled {
		return reject(c, fiber.StatusBadRequest, "2FA has been disabled")
	}

	if !totp.Validate(validate.Token, user.OtpSecret) {
		return reject(c, fiber.StatusUnauthorized, "Invalid token")
	}

	tokens, err := a.issue(c, user.ID, false)
	if err != nil {
		return fail(c, a.log, err)
	}

	return success(c, fiber.StatusOK, fiber.Map{
		"access":  tokens.Access,
		"refresh": tokens.Refresh,
	})
}

func (a *Auth) OtpDisable(c *fiber.Ctx) error {
	disable := new(AuthOtpDisableInput)
	if err := parse(c, disable); err != nil {
		return fail(c, a.log, err)
	}

	user, err := a.current(c)
	if err != nil {
		return fail(c, a.log, err)
	}

	if !user.OtpEnabled {
		return reject(c, fiber.StatusBadRequest, "2fa not enabled")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(disable.Password)); err != nil {
		return reject(c, fiber.StatusUnauthorized, "Invalid password")
	}

	if !totp.Validate(disable.Token, user.OtpSecret) {
		return reject(c, fiber.StatusUnauthorized, "Invalid token")
	}

	if err := a.db.WithContext(c.UserContext()).Model(user).Update("otp_enabled", false).Error; err != nil {
		return fail(c, a.log, err)
	}
	return success(c, fiber.StatusOK, nil)
}

func userKey(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}
