package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/soulbox/backend/internal/audit"
	"github.com/soulbox/backend/internal/auth"
	"github.com/soulbox/backend/internal/capsules"
	"github.com/soulbox/backend/internal/server"
	"github.com/soulbox/backend/internal/timecodec"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	tokenSigningSecret = "integration-secret"
	tokenIssuer        = "soulbox-auth"
	ownerUserID        = "user-abc"
	jsonContentType    = "application/json"
)

type manualClock struct {
	current time.Time
}

func (c *manualClock) Now() time.Time {
	return c.current
}

func mustMintBearerToken(testContext *testing.T, secret, subject string, now time.Time) string {
	testContext.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(48 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestCapsuleLifecycleFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:lifecycle_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&capsules.Capsule{}, &capsules.Reminder{}, &audit.UnlockLog{}, &audit.CapsuleViewer{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	clock := &manualClock{current: time.Date(2030, time.March, 1, 10, 0, 0, 0, time.UTC)}
	codec := timecodec.NewWithLocation(time.UTC)
	capsuleService, err := capsules.NewService(capsules.ServiceConfig{
		Database:   db,
		Codec:      codec,
		Clock:      clock.Now,
		IDProvider: capsules.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build capsule service: %v", err)
	}

	verifier, err := auth.NewTokenVerifier(auth.TokenVerifierConfig{
		SigningSecret: []byte(tokenSigningSecret),
		Issuer:        tokenIssuer,
		Clock:         clock.Now,
	})
	if err != nil {
		testContext.Fatalf("failed to build verifier: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier: verifier,
		Capsules: capsuleService,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	bearerToken := mustMintBearerToken(testContext, tokenSigningSecret, ownerUserID, clock.current)

	// Create a capsule that unlocks tomorrow at 09:00.
	form := &bytes.Buffer{}
	writer := multipart.NewWriter(form)
	for name, value := range map[string]string{
		"title":       "One year later",
		"message":     "Remember this day.",
		"unlock_date": "2030-03-02",
		"unlock_time": "9:00 AM",
	} {
		if err := writer.WriteField(name, value); err != nil {
			testContext.Fatalf("failed to build form: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		testContext.Fatalf("failed to close form: %v", err)
	}

	createReq, _ := http.NewRequest(http.MethodPost, testServer.URL+"/api/capsule/create", form)
	createReq.Header.Set("Content-Type", writer.FormDataContentType())
	createReq.Header.Set("Authorization", "Bearer "+bearerToken)
	createResp, err := http.DefaultClient.Do(createReq)
	if err != nil {
		testContext.Fatalf("create request failed: %v", err)
	}
	var created struct {
		Success    bool   `json:"success"`
		CapsuleID  string `json:"capsuleId"`
		EncryptKey string `json:"encrypt_key"`
		ShareToken string `json:"share_token"`
	}
	decodeBody(testContext, createResp, http.StatusOK, &created)
	if !created.Success || created.ShareToken == "" || len(created.EncryptKey) != 6 {
		testContext.Fatalf("unexpected create payload: %+v", created)
	}

	unlockURL := testServer.URL + "/api/capsule/unlock/" + created.ShareToken

	// Premature unlock is refused and names the unlock instant.
	prematureResp := postJSON(testContext, unlockURL, map[string]string{"key": created.EncryptKey})
	var premature struct {
		Error    string `json:"error"`
		UnlockAt string `json:"unlock_at"`
	}
	decodeBody(testContext, prematureResp, http.StatusForbidden, &premature)
	if premature.Error != "not_ready" || premature.UnlockAt != "2030-03-02T09:00:00Z" {
		testContext.Fatalf("unexpected premature payload: %+v", premature)
	}

	// The public view stays sealed in the meantime.
	viewResp, err := http.Get(testServer.URL + "/api/capsule/view/" + created.ShareToken)
	if err != nil {
		testContext.Fatalf("view request failed: %v", err)
	}
	var view struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	decodeBody(testContext, viewResp, http.StatusOK, &view)
	if view.Status != "ACTIVE" || view.Message != "" {
		testContext.Fatalf("unexpected sealed view: %+v", view)
	}

	// Cross the unlock instant; a wrong code still keeps the capsule sealed.
	clock.current = time.Date(2030, time.March, 2, 9, 0, 1, 0, time.UTC)

	wrongResp := postJSON(testContext, unlockURL, map[string]string{"key": "WRONG0"})
	var wrong struct {
		Error string `json:"error"`
	}
	decodeBody(testContext, wrongResp, http.StatusUnauthorized, &wrong)
	if wrong.Error != "invalid_key" {
		testContext.Fatalf("unexpected wrong-key payload: %+v", wrong)
	}

	// The correct code releases the content exactly once.
	unlockResp := postJSON(testContext, unlockURL, map[string]string{"key": created.EncryptKey, "viewer_email": "friend@example.com"})
	var unlocked struct {
		Success   bool   `json:"success"`
		CapsuleID string `json:"capsule_id"`
		Data      struct {
			Message    string `json:"message"`
			UnlockedAt string `json:"unlocked_at"`
		} `json:"data"`
	}
	decodeBody(testContext, unlockResp, http.StatusOK, &unlocked)
	if !unlocked.Success || unlocked.CapsuleID != created.CapsuleID {
		testContext.Fatalf("unexpected unlock payload: %+v", unlocked)
	}
	if unlocked.Data.Message != "Remember this day." || unlocked.Data.UnlockedAt == "" {
		testContext.Fatalf("unexpected unlock content: %+v", unlocked.Data)
	}

	repeatResp := postJSON(testContext, unlockURL, map[string]string{"key": created.EncryptKey})
	var repeat struct {
		Error string `json:"error"`
	}
	decodeBody(testContext, repeatResp, http.StatusBadRequest, &repeat)
	if repeat.Error != "already_unlocked" {
		testContext.Fatalf("unexpected repeat payload: %+v", repeat)
	}

	// Audit rows recorded the unlock and the viewer identity.
	var unlockLogs int64
	if err := db.Model(&audit.UnlockLog{}).Where("capsule_id = ?", created.CapsuleID).Count(&unlockLogs).Error; err != nil {
		testContext.Fatalf("failed to count unlock logs: %v", err)
	}
	if unlockLogs != 1 {
		testContext.Fatalf("expected one unlock log, got %d", unlockLogs)
	}
	var viewers int64
	if err := db.Model(&audit.CapsuleViewer{}).Where("capsule_id = ?", created.CapsuleID).Count(&viewers).Error; err != nil {
		testContext.Fatalf("failed to count viewers: %v", err)
	}
	if viewers != 1 {
		testContext.Fatalf("expected one recorded viewer, got %d", viewers)
	}

	// The owner listing reflects the unlocked state.
	listReq, _ := http.NewRequest(http.MethodGet, testServer.URL+"/api/capsule/my", http.NoBody)
	listReq.Header.Set("Authorization", "Bearer "+bearerToken)
	listResp, err := http.DefaultClient.Do(listReq)
	if err != nil {
		testContext.Fatalf("list request failed: %v", err)
	}
	var listing []struct {
		ID         string `json:"id"`
		IsUnlocked bool   `json:"is_unlocked"`
	}
	decodeBody(testContext, listResp, http.StatusOK, &listing)
	if len(listing) != 1 || !listing[0].IsUnlocked {
		testContext.Fatalf("unexpected listing: %+v", listing)
	}
}

func postJSON(testContext *testing.T, url string, payload map[string]string) *http.Response {
	testContext.Helper()
	body, _ := json.Marshal(payload)
	resp, err := http.Post(url, jsonContentType, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("request to %s failed: %v", url, err)
	}
	return resp
}

func decodeBody(testContext *testing.T, resp *http.Response, wantStatus int, target any) {
	testContext.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		testContext.Fatalf("failed to read body: %v", err)
	}
	if resp.StatusCode != wantStatus {
		testContext.Fatalf("unexpected status %d (want %d): %s", resp.StatusCode, wantStatus, raw)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		testContext.Fatalf("failed to decode body %s: %v", raw, err)
	}
}
