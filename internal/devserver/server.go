// Package devserver — полноценный мессенджер-сервер в памяти процесса:
// REST-граница, pre-signed загрузки и websocket-гейтвей. Нужен для
// локальной разработки и интеграционных тестов клиента; данных не
// переживает рестарт.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/theandrunique/messenger-api-client-sub000/internal/gateway"
	"github.com/theandrunique/messenger-api-client-sub000/internal/logger"
	"github.com/theandrunique/messenger-api-client-sub000/internal/model"
)

const (
	accessTTL      = 15 * time.Minute
	maxUploadSize  = 10 << 20
	maxBatchFiles  = 10
	maxMessageText = 4000
)

type Server struct {
	store    *store
	hub      *hub
	router   chi.Router
	secret   []byte
	upgrader websocket.Upgrader
}

func New() *Server {
	s := &Server{
		store:  newStore(),
		hub:    newHub(),
		secret: []byte("devserver-secret"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Close рвёт все живые websocket-соединения.
func (s *Server) Close() {
	s.hub.shutdown()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/token", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)

	r.Put("/uploads/{token}", s.handlePutUpload)
	r.Delete("/uploads/{token}", s.handleDeleteUpload)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/auth/logout", s.handleLogout)

		r.Get("/users/@me", s.handleMe)
		r.Patch("/users/@me", s.handleUpdateMe)
		r.Put("/users/@me/avatar", s.handleUploadAvatar)
		r.Get("/users/@me/channels", s.handleMyChannels)

		r.Post("/channels", s.handleCreateChannel)
		r.Patch("/channels/{channelID}", s.handleUpdateChannel)
		r.Put("/channels/{channelID}/members/{userID}", s.handleAddMember)
		r.Delete("/channels/{channelID}/members/{userID}", s.handleRemoveMember)

		r.Get("/channels/{channelID}/messages", s.handleMessages)
		r.Post("/channels/{channelID}/messages", s.handleCreateMessage)
		r.Patch("/channels/{channelID}/messages/{messageID}", s.handleUpdateMessage)
		r.Delete("/channels/{channelID}/messages/{messageID}", s.handleDeleteMessage)
		r.Post("/channels/{channelID}/messages/{messageID}/ack", s.handleAck)

		r.Post("/channels/{channelID}/attachments", s.handleCreateAttachments)

		r.Get("/gateway", s.handleGateway)
	})
	return r
}

// --- ответы ---

type apiError struct {
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logger.Errorf("devserver: writeJSON: %v", err)
		}
	}
}

func writeError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, apiError{Code: code, Message: msg})
}

func writeValidation(w http.ResponseWriter, msg string, errs map[string][]string) {
	writeJSON(w, http.StatusBadRequest, apiError{Code: 1000, Message: msg, Errors: errs})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, 1001, "malformed request body")
		return false
	}
	return true
}

// --- авторизация ---

type ctxKey int

const userIDKey ctxKey = 0

func withUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func (s *Server) issueTokens(w http.ResponseWriter, userID string) {
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(accessTTL).Unix(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, 1500, "token signing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": s.store.issueRefresh(userID),
		"token_type":    "Bearer",
		"expires_in":    int64(accessTTL / time.Second),
		"user_id":       userID,
	})
}

func (s *Server) userFromToken(raw string) (string, bool) {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", false
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			writeError(w, http.StatusUnauthorized, 1401, "missing access token")
			return
		}
		userID, ok := s.userFromToken(raw)
		if !ok {
			writeError(w, http.StatusUnauthorized, 1401, "invalid or expired access token")
			return
		}
		if _, ok := s.store.user(userID); !ok {
			writeError(w, http.StatusUnauthorized, 1401, "unknown user")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userID)))
	})
}

// --- auth ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	errs := map[string][]string{}
	if len(req.Username) < 3 {
		errs["username"] = append(errs["username"], "must be at least 3 characters")
	}
	if !strings.Contains(req.Email, "@") {
		errs["email"] = append(errs["email"], "must be a valid email")
	}
	if len(req.Password) < 8 {
		errs["password"] = append(errs["password"], "must be at least 8 characters")
	}
	if len(errs) > 0 {
		writeValidation(w, "validation failed", errs)
		return
	}
	u, ok := s.store.createUser(req.Username, req.Email, req.Password)
	if !ok {
		writeValidation(w, "validation failed", map[string][]string{
			"username": {"already taken"},
		})
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Login    string `json:"login"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	u, ok := s.store.authenticate(req.Login, req.Password)
	if !ok {
		writeError(w, http.StatusUnauthorized, 1402, "invalid credentials")
		return
	}
	s.issueTokens(w, u.ID)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	userID, ok := s.store.consumeRefresh(req.RefreshToken)
	if !ok {
		writeError(w, http.StatusUnauthorized, 1403, "refresh token expired or revoked")
		return
	}
	s.issueTokens(w, userID)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// --- users ---

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, _ := s.store.user(userID(r))
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GlobalName *string `json:"global_name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	u, _ := s.store.updateUser(userID(r), req.GlobalName, nil)
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, 1002, "malformed multipart body")
		return
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, 1002, "missing file field")
		return
	}
	defer f.Close()
	io.Copy(io.Discard, f)

	url := "https://avatars.dev.local/" + userID(r) + "/" + header.Filename
	u, _ := s.store.updateUser(userID(r), nil, &url)
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleMyChannels(w http.ResponseWriter, r *http.Request) {
	channels := s.store.userChannels(userID(r))
	if channels == nil {
		channels = []model.Channel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

// --- channels ---

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind      model.ChannelKind `json:"kind"`
		Name      string            `json:"name"`
		MemberIDs []string          `json:"member_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Kind != model.ChannelKindDM && req.Kind != model.ChannelKindGroup {
		writeValidation(w, "validation failed", map[string][]string{"kind": {"must be dm or group"}})
		return
	}
	self := userID(r)
	members := []string{self}
	for _, id := range req.MemberIDs {
		if id == self {
			continue
		}
		if _, ok := s.store.user(id); !ok {
			writeValidation(w, "validation failed", map[string][]string{"member_ids": {"unknown user " + id}})
			return
		}
		members = append(members, id)
	}
	if req.Kind == model.ChannelKindDM && len(members) != 2 {
		writeValidation(w, "validation failed", map[string][]string{"member_ids": {"dm requires exactly one other member"}})
		return
	}

	ch := s.store.createChannel(req.Kind, req.Name, members)
	for _, id := range members {
		s.hub.broadcast([]string{id}, gateway.ChannelCreate{Channel: s.store.channelView(ch, id)})
	}
	writeJSON(w, http.StatusCreated, s.store.channelView(ch, self))
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	self := userID(r)
	if !s.store.isMember(channelID, self) {
		writeError(w, http.StatusForbidden, 1403, "not a member")
		return
	}
	var req struct {
		Name     *string `json:"name"`
		ImageURL *string `json:"image_url"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ch, ok := s.store.updateChannel(channelID, req.Name, req.ImageURL)
	if !ok {
		writeError(w, http.StatusNotFound, 1404, "channel not found")
		return
	}

	members := s.store.memberIDs(channelID)
	for _, id := range members {
		s.hub.broadcast([]string{id}, gateway.ChannelUpdate{Channel: s.store.channelView(ch, id)})
	}
	// Переименование оставляет след в ленте — системное сообщение.
	if req.Name != nil {
		author, _ := s.store.user(self)
		meta := s.store.appendMessage(channelID, func(id string, ts time.Time) model.Message {
			return model.Message{
				ID:        id,
				ChannelID: channelID,
				Author:    author,
				Timestamp: ts,
				Type:      model.MessageTypeChannelNameChange,
				Metadata:  map[string]string{"name": *req.Name},
			}
		})
		s.hub.broadcast(members, gateway.MessageCreate{Message: meta})
	}
	writeJSON(w, http.StatusOK, s.store.channelView(ch, self))
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	targetID := chi.URLParam(r, "userID")
	self := userID(r)
	if !s.store.isMember(channelID, self) {
		writeError(w, http.StatusForbidden, 1403, "not a member")
		return
	}
	target, ok := s.store.user(targetID)
	if !ok {
		writeError(w, http.StatusNotFound, 1404, "user not found")
		return
	}
	if !s.store.addMember(channelID, targetID) {
		writeError(w, http.StatusConflict, 1409, "already a member")
		return
	}

	members := s.store.memberIDs(channelID)
	s.hub.broadcast(members, gateway.ChannelMemberAdd{ChannelID: channelID, User: target})

	author, _ := s.store.user(self)
	meta := s.store.appendMessage(channelID, func(id string, ts time.Time) model.Message {
		return model.Message{
			ID:         id,
			ChannelID:  channelID,
			Author:     author,
			Timestamp:  ts,
			Type:       model.MessageTypeMemberAdd,
			TargetUser: &target,
		}
	})
	s.hub.broadcast(members, gateway.MessageCreate{Message: meta})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	targetID := chi.URLParam(r, "userID")
	self := userID(r)
	if !s.store.isMember(channelID, self) {
		writeError(w, http.StatusForbidden, 1403, "not a member")
		return
	}
	target, ok := s.store.user(targetID)
	if !ok {
		writeError(w, http.StatusNotFound, 1404, "user not found")
		return
	}
	// Состав до удаления: ушедший тоже должен получить событие.
	members := s.store.memberIDs(channelID)
	if !s.store.removeMember(channelID, targetID) {
		writeError(w, http.StatusNotFound, 1404, "not a member")
		return
	}
	s.hub.broadcast(members, gateway.ChannelMemberRemove{ChannelID: channelID, User: target})

	metaType := model.MessageTypeMemberRemove
	if targetID == self {
		metaType = model.MessageTypeMemberLeave
	}
	author, _ := s.store.user(self)
	meta := s.store.appendMessage(channelID, func(id string, ts time.Time) model.Message {
		return model.Message{
			ID:         id,
			ChannelID:  channelID,
			Author:     author,
			Timestamp:  ts,
			Type:       metaType,
			TargetUser: &target,
		}
	})
	s.hub.broadcast(s.store.memberIDs(channelID), gateway.MessageCreate{Message: meta})
	w.WriteHeader(http.StatusNoContent)
}

// --- messages ---

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if !s.store.isMember(channelID, userID(r)) {
		writeError(w, http.StatusForbidden, 1403, "not a member")
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var before *string
	if v := r.URL.Query().Get("before"); v != "" {
		before = &v
	}
	msgs := s.store.page(channelID, before, limit)
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	self := userID(r)
	if !s.store.isMember(channelID, self) {
		writeError(w, http.StatusForbidden, 1403, "not a member")
		return
	}
	var req struct {
		Content     string   `json:"content"`
		Attachments []string `json:"attachments"`
		ReplyToID   *string  `json:"reply_to_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Content) > maxMessageText {
		writeValidation(w, "validation failed", map[string][]string{"content": {"too long"}})
		return
	}
	if req.Content == "" && len(req.Attachments) == 0 {
		writeValidation(w, "validation failed", map[string][]string{"content": {"message is empty"}})
		return
	}

	var attachments []model.Attachment
	for _, filename := range req.Attachments {
		slot, ok := s.store.takeUpload(channelID, filename)
		if !ok {
			writeValidation(w, "validation failed", map[string][]string{
				"attachments": {"unknown or not uploaded file " + filename},
			})
			return
		}
		attachments = append(attachments, model.Attachment{
			ID:          slot.token,
			Filename:    slot.filename,
			ContentType: slot.contentType,
			Size:        int64(len(slot.data)),
			URL:         "https://files.dev.local/" + slot.token + "/" + slot.filename,
		})
	}

	msgType := model.MessageTypeDefault
	if req.ReplyToID != nil {
		if _, ok := s.store.message(channelID, *req.ReplyToID); !ok {
			writeValidation(w, "validation failed", map[string][]string{"reply_to_id": {"no such message"}})
			return
		}
		msgType = model.MessageTypeReply
	}

	author, _ := s.store.user(self)
	m := s.store.appendMessage(channelID, func(id string, ts time.Time) model.Message {
		msg := model.Message{
			ID:          id,
			ChannelID:   channelID,
			Author:      author,
			Content:     req.Content,
			Timestamp:   ts,
			Attachments: attachments,
			Type:        msgType,
		}
		if req.ReplyToID != nil {
			msg.Metadata = map[string]string{"reply_to_id": *req.ReplyToID}
		}
		return msg
	})
	s.hub.broadcast(s.store.memberIDs(channelID), gateway.MessageCreate{Message: m})
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	messageID := chi.URLParam(r, "messageID")
	self := userID(r)
	var req struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	m, ok := s.store.message(channelID, messageID)
	if !ok {
		writeError(w, http.StatusNotFound, 1404, "message not found")
		return
	}
	if m.Author.ID != self {
		writeError(w, http.StatusForbidden, 1403, "can only edit own messages")
		return
	}
	updated, _ := s.store.updateMessage(channelID, messageID, req.Content)
	s.hub.broadcast(s.store.memberIDs(channelID), gateway.MessageUpdate{Message: updated})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	messageID := chi.URLParam(r, "messageID")
	self := userID(r)
	m, ok := s.store.message(channelID, messageID)
	if !ok {
		writeError(w, http.StatusNotFound, 1404, "message not found")
		return
	}
	if m.Author.ID != self {
		writeError(w, http.StatusForbidden, 1403, "can only delete own messages")
		return
	}
	replacement, _ := s.store.deleteMessage(channelID, messageID)
	s.hub.broadcast(s.store.memberIDs(channelID), gateway.MessageDelete{
		ChannelID:   channelID,
		MessageID:   messageID,
		LastMessage: replacement,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	messageID := chi.URLParam(r, "messageID")
	self := userID(r)
	if _, ok := s.store.message(channelID, messageID); !ok {
		writeError(w, http.StatusNotFound, 1404, "message not found")
		return
	}
	if !s.store.ack(channelID, self, messageID) {
		writeError(w, http.StatusForbidden, 1403, "not a member")
		return
	}
	s.hub.broadcast(s.store.memberIDs(channelID), gateway.MessageAck{
		ChannelID: channelID,
		MessageID: messageID,
		MemberID:  self,
	})
	w.WriteHeader(http.StatusNoContent)
}

// --- attachments ---

func (s *Server) handleCreateAttachments(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	if !s.store.isMember(channelID, userID(r)) {
		writeError(w, http.StatusForbidden, 1403, "not a member")
		return
	}
	var req struct {
		Files []struct {
			Filename    string `json:"filename"`
			ContentType string `json:"content_type"`
			Size        int64  `json:"size"`
		} `json:"files"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Files) == 0 || len(req.Files) > maxBatchFiles {
		writeValidation(w, "validation failed", map[string][]string{
			"files": {fmt.Sprintf("between 1 and %d files per batch", maxBatchFiles)},
		})
		return
	}

	type slotResponse struct {
		UploadURL string `json:"upload_url"`
		Filename  string `json:"filename"`
	}
	// Ответ частично-успешный: отклонённые файлы получают nil-слот и
	// ошибки под ключом files[<i>], остальные — pre-signed URL.
	files := make([]*slotResponse, len(req.Files))
	errs := map[string][]string{}
	for i, f := range req.Files {
		key := "files[" + strconv.Itoa(i) + "]"
		if f.Filename == "" {
			errs[key] = append(errs[key], "filename is required")
		}
		if f.Size <= 0 {
			errs[key] = append(errs[key], "size must be positive")
		}
		if f.Size > maxUploadSize {
			errs[key] = append(errs[key], fmt.Sprintf("file exceeds %d bytes", maxUploadSize))
		}
		if len(errs[key]) > 0 {
			continue
		}
		slot := s.store.createUpload(channelID, f.Filename, f.ContentType, f.Size)
		files[i] = &slotResponse{
			UploadURL: "http://" + r.Host + "/uploads/" + slot.token,
			Filename:  slot.filename,
		}
	}
	resp := map[string]any{"files": files}
	if len(errs) > 0 {
		resp["errors"] = errs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePutUpload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, 1002, "read body failed")
		return
	}
	if len(data) > maxUploadSize {
		writeError(w, http.StatusRequestEntityTooLarge, 1413, "file too large")
		return
	}
	if !s.store.putUpload(token, data) {
		writeError(w, http.StatusNotFound, 1404, "upload slot not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	if !s.store.deleteUpload(chi.URLParam(r, "token")) {
		writeError(w, http.StatusNotFound, 1404, "upload slot not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- gateway ---

func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("devserver: upgrade: %v", err)
		return
	}
	c := s.hub.add(userID(r), conn)
	go c.writePump()
	go func() {
		c.readPump()
		s.hub.remove(c)
	}()
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
