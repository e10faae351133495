package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/chonibe/coa-service-sub010/internal/platform/config"
)

var errFirebaseNotInitialised = errors.New("firebase verifier not initialised")

// FirebaseVerifier wraps the Firebase Admin SDK for token verification and
// account lookups. Every call runs under a bounded context so a slow Admin
// API cannot stall request handling.
type FirebaseVerifier struct {
	client  *firebaseauth.Client
	timeout time.Duration
}

// FirebaseOption customises FirebaseVerifier instances.
type FirebaseOption func(*FirebaseVerifier)

// WithFirebaseTimeout overrides the timeout used for Admin SDK calls.
func WithFirebaseTimeout(d time.Duration) FirebaseOption {
	return func(v *FirebaseVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// NewFirebaseVerifier initialises the Admin SDK app for the configured project.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}

	verifier := &FirebaseVerifier{client: client, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}
	return verifier, nil
}

// VerifyIDToken checks the signature and claims of a Firebase ID token.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errFirebaseNotInitialised
	}
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.client.VerifyIDToken(ctx, idToken)
}

// GetUser loads the Firebase user record for the UID.
func (v *FirebaseVerifier) GetUser(ctx context.Context, uid string) (*firebaseauth.UserRecord, error) {
	if v == nil || v.client == nil {
		return nil, errFirebaseNotInitialised
	}
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.client.GetUser(ctx, uid)
}

// LookupUIDByEmail resolves the Firebase UID registered for the email
// address. A missing account returns an empty UID without error so callers
// can treat it as "no reservation owner yet".
func (v *FirebaseVerifier) LookupUIDByEmail(ctx context.Context, email string) (string, error) {
	if v == nil || v.client == nil {
		return "", errFirebaseNotInitialised
	}
	ctx, cancel := v.bounded(ctx)
	defer cancel()

	record, err := v.client.GetUserByEmail(ctx, email)
	if err != nil {
		if firebaseauth.IsUserNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("lookup user by email: %w", err)
	}
	return record.UID, nil
}

func (v *FirebaseVerifier) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if v.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, v.timeout)
}
