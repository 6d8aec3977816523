package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/ubxmodem/at"
	"i4.energy/across/ubxmodem/modem"
	"i4.energy/across/ubxmodem/modem/device"
	"i4.energy/across/ubxmodem/modem/locate"
	"i4.energy/across/ubxmodem/modem/pdp"
	"i4.energy/across/ubxmodem/modem/sms"
)

// Server handles incoming HTTP requests for interacting with the
// configured modem instance
type Server struct {
	Logger *slog.Logger
	Device *device.Device
	// Token, when set, is required as "Authorization: Bearer <token>".
	Token string
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Token != "" {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.Token {
			s.sendError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sms", s.handleSMS)
	mux.HandleFunc("GET /sms", s.handleListSMS)
	mux.HandleFunc("GET /sms/{index}", s.handleReadSMS)
	mux.HandleFunc("DELETE /sms/{index}", s.handleDeleteSMS)
	mux.HandleFunc("POST /ussd", s.handleUSSD)
	mux.HandleFunc("POST /locate", s.handleLocate)
	mux.HandleFunc("GET /network", s.handleNetwork)
	mux.HandleFunc("POST /network/connect", s.handleConnect)
	mux.HandleFunc("POST /network/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /files/{name}", s.handleGetFile)
	mux.HandleFunc("PUT /files/{name}", s.handlePutFile)
	mux.HandleFunc("DELETE /files/{name}", s.handleDeleteFile)
	mux.ServeHTTP(w, r)
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to write response", "error", err)
	}
}

// sendModemError maps a failed modem operation to a status code.
func (s *Server) sendModemError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	var (
		cme at.CMEError
		cms at.CMSError
	)
	switch {
	case errors.Is(err, modem.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.As(err, &cme), errors.As(err, &cms), errors.Is(err, at.ErrError):
		status = http.StatusBadGateway
	case errors.Is(err, sms.ErrNotGSM7):
		status = http.StatusBadRequest
	}
	s.Logger.Error("Modem operation failed", "op", op, "error", err)
	s.sendError(w, err.Error(), status)
}

type messageResponse struct {
	Index  int    `json:"index"`
	Status string `json:"status"`
	Sender string `json:"sender"`
	Time   string `json:"time"`
	Text   string `json:"text"`
}

func toMessageResponse(m sms.Message) messageResponse {
	return messageResponse{Index: m.Index, Status: m.Status, Sender: m.Sender, Time: m.Time, Text: m.Text}
}

// handleSMS processes incoming HTTP POST requests to send SMS messages
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	type SMSRequest struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}

	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.To == "" || req.Message == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	ref, err := s.Device.SMS.Send(r.Context(), req.To, req.Message)
	if err != nil {
		s.sendModemError(w, "send sms", err)
		return
	}

	s.Logger.Info("SMS sent successfully", "to", req.To, "message_length", len(req.Message), "reference", ref)
	s.sendJSON(w, map[string]int{"reference": ref}, http.StatusOK)
}

func (s *Server) handleListSMS(w http.ResponseWriter, r *http.Request) {
	status := sms.All
	if v := r.URL.Query().Get("status"); v != "" {
		stat, ok := smsStatus[v]
		if !ok {
			s.sendError(w, "unknown status "+strconv.Quote(v), http.StatusBadRequest)
			return
		}
		status = stat
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.sendError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	indices, total, err := s.Device.SMS.List(r.Context(), status, limit)
	if err != nil {
		s.sendModemError(w, "list sms", err)
		return
	}
	messages := make([]messageResponse, 0, len(indices))
	for _, i := range indices {
		msg, err := s.Device.SMS.Read(r.Context(), i)
		if err != nil {
			s.sendModemError(w, "read sms", err)
			return
		}
		messages = append(messages, toMessageResponse(msg))
	}

	s.sendJSON(w, struct {
		Total    int               `json:"total"`
		Messages []messageResponse `json:"messages"`
	}{total, messages}, http.StatusOK)
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) (int, bool) {
	i, err := indexArg(r.PathValue("index"))
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return i, true
}

func (s *Server) handleReadSMS(w http.ResponseWriter, r *http.Request) {
	i, ok := s.index(w, r)
	if !ok {
		return
	}
	msg, err := s.Device.SMS.Read(r.Context(), i)
	if err != nil {
		s.sendModemError(w, "read sms", err)
		return
	}
	s.sendJSON(w, toMessageResponse(msg), http.StatusOK)
}

func (s *Server) handleDeleteSMS(w http.ResponseWriter, r *http.Request) {
	i, ok := s.index(w, r)
	if !ok {
		return
	}
	if err := s.Device.SMS.Delete(r.Context(), i); err != nil {
		s.sendModemError(w, "delete sms", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUSSD(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		s.sendError(w, "'code' is required", http.StatusBadRequest)
		return
	}

	rsp, err := s.Device.USSD.Command(r.Context(), req.Code)
	if err != nil {
		s.sendModemError(w, "ussd", err)
		return
	}
	s.sendJSON(w, struct {
		Source string `json:"source"`
		Status int    `json:"status"`
		Text   string `json:"text"`
		DCS    int    `json:"dcs"`
	}{rsp.Source, rsp.Status, rsp.Text, rsp.DCS}, http.StatusOK)
}

type fixResponse struct {
	Time        time.Time `json:"time"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Altitude    int       `json:"altitude"`
	Uncertainty int       `json:"uncertainty"`
	Sensor      string    `json:"sensor"`
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Sensor     string `json:"sensor"`
		Timeout    int    `json:"timeout"`
		Accuracy   int    `json:"accuracy"`
		Hypotheses int    `json:"hypotheses"`
	}{Sensor: "hybrid", Timeout: 60, Accuracy: 100, Hypotheses: 1}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sensor, ok := sensors[req.Sensor]
	if !ok {
		s.sendError(w, "unknown sensor "+strconv.Quote(req.Sensor), http.StatusBadRequest)
		return
	}
	lr := locate.Request{
		Sensor:     sensor,
		Timeout:    time.Duration(req.Timeout) * time.Second,
		Accuracy:   req.Accuracy,
		Type:       locate.Detailed,
		Hypotheses: req.Hypotheses,
	}
	if req.Hypotheses > 1 {
		lr.Type = locate.MultiHypothesis
	}

	ctx := r.Context()
	if err := s.Device.Locate.Request(ctx, lr); err != nil {
		if errors.Is(err, locate.ErrHypotheses) {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.sendModemError(w, "locate", err)
		return
	}
	n, err := s.Device.Locate.Wait(ctx, modem.After(lr.Timeout+10*time.Second))
	if n == 0 {
		if err == nil {
			err = modem.ErrTimeout
		}
		s.sendModemError(w, "locate", err)
		return
	}

	fixes := make([]fixResponse, 0, n)
	for i := 0; i < n; i++ {
		fix, err := s.Device.Locate.Data(ctx, i)
		if err != nil {
			continue
		}
		fixes = append(fixes, fixResponse{
			Time:        fix.Time,
			Latitude:    fix.Latitude,
			Longitude:   fix.Longitude,
			Altitude:    fix.Altitude,
			Uncertainty: fix.Uncertainty,
			Sensor:      fix.Sensor.String(),
		})
	}
	s.sendJSON(w, fixes, http.StatusOK)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		State string `json:"state"`
		IP    string `json:"ip,omitempty"`
	}{State: s.Device.Network.State()}
	if ip, err := s.Device.Network.IPAddress(r.Context()); err == nil {
		resp.IP = ip.String()
	}
	s.sendJSON(w, resp, http.StatusOK)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APN      string `json:"apn"`
		User     string `json:"user"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var creds []pdp.Credentials
	if req.APN != "" {
		creds = append(creds, pdp.Credentials{APN: req.APN, User: req.User, Password: req.Password})
	}
	ip, err := s.Device.Network.Connect(r.Context(), creds...)
	if err != nil {
		s.sendModemError(w, "connect", err)
		return
	}
	s.sendJSON(w, map[string]string{"ip": ip.String()}, http.StatusOK)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.Device.Network.Disconnect(r.Context()); err != nil {
		s.sendModemError(w, "disconnect", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	size, err := s.Device.FS.Size(r.Context(), name)
	if err != nil {
		s.sendModemError(w, "file size", err)
		return
	}
	buf := make([]byte, min(size, maxBody))
	n, err := s.Device.FS.ReadBlocks(r.Context(), name, buf)
	if err != nil {
		s.sendModemError(w, "read file", err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(n))
	w.Write(buf[:n])
}

func (s *Server) handlePutFile(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) > maxBody {
		s.sendError(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	}
	n, err := s.Device.FS.Write(r.Context(), r.PathValue("name"), data)
	if err != nil {
		s.sendModemError(w, "write file", err)
		return
	}
	s.sendJSON(w, map[string]int{"size": n}, http.StatusCreated)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.Device.FS.Delete(r.Context(), r.PathValue("name")); err != nil {
		s.sendModemError(w, "delete file", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
