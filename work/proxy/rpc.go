package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ziggotv-proxy/work/logger"
	"ziggotv-proxy/work/metrics"
	"ziggotv-proxy/work/types"

	"github.com/gorilla/mux"
)

// rpcFunc implements one /function/<name> operation. Arguments arrive
// as a JSON object in the "args" query parameter; the return value is
// marshalled per writeRPCResult.
type rpcFunc func(srv *Server, args json.RawMessage) (any, error)

// rpcTable is the static dispatch table for the UI RPC surface. Every
// callable operation is enumerated here; unknown names are rejected
// without reflection.
var rpcTable = map[string]rpcFunc{
	"login":                            rpcLogin,
	"get_status":                       rpcGetStatus,
	"get_channels":                     rpcGetChannels,
	"refresh_channels":                 rpcRefreshChannels,
	"refresh_entitlements":             rpcRefreshEntitlements,
	"refresh_widevine_license":         rpcRefreshWidevine,
	"get_widevine_license":             rpcGetWidevine,
	"obtain_tv_streaming_token":        rpcObtainTVToken,
	"obtain_replay_streaming_token":    rpcObtainReplayToken,
	"obtain_vod_streaming_token":       rpcObtainVODToken,
	"obtain_recording_streaming_token": rpcObtainRecordingToken,
	"get_streaming_token":              rpcGetStreamingToken,
	"update_token":                     rpcUpdateToken,
	"delete_token":                     rpcDeleteToken,
	"get_manifest":                     rpcGetManifest,
	"get_events":                       rpcGetEvents,
	"get_event_details":                rpcGetEventDetails,
	"get_epg":                          rpcGetEPG,
	"obtain_events":                    rpcObtainEvents,
	"obtain_events_in_window":          rpcObtainEventsInWindow,
	"record_event":                     rpcRecordEvent,
	"record_show":                      rpcRecordShow,
	"refresh_recordings":               rpcRefreshRecordings,
	"refresh_recordings_planned":       rpcRefreshRecordingsPlanned,
	"delete_recordings":                rpcDeleteRecordings,
	"delete_recordings_planned":        rpcDeleteRecordingsPlanned,
	"set_active_profile":               rpcSetActiveProfile,
	"play_video":                       rpcPlayVideo,
	"stop_video":                       rpcStopVideo,
}

// HandleFunction serves /function/{name}: it decodes the args query
// parameter, dispatches through rpcTable and renders the result. Only
// get_status bypasses the readiness guard; everything else needs a
// started service.
func (srv *Server) HandleFunction(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	metrics.RequestsTotal.WithLabelValues("function").Inc()

	fn, ok := rpcTable[name]
	if !ok {
		logger.Warn("{proxy - HandleFunction} unknown function %s", name)
		http.Error(w, "unknown function: "+name, http.StatusBadRequest)
		return
	}
	if name != "get_status" && !srv.started(w) {
		return
	}

	args := r.URL.Query().Get("args")
	if args == "" {
		args = "{}"
	}

	result, err := fn(srv, json.RawMessage(args))
	if err != nil {
		writeRPCError(w, name, err)
		return
	}
	writeRPCResult(w, result)
}

// writeRPCError maps broker errors onto HTTP statuses: upstream
// failures replay the upstream status and body, auth failures become
// 401, everything else 500.
func writeRPCError(w http.ResponseWriter, name string, err error) {
	var ue *types.UpstreamError
	switch {
	case errors.As(err, &ue):
		metrics.UpstreamErrors.WithLabelValues("function").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ue.Status)
		w.Write(ue.Body)
	case errors.Is(err, types.ErrAuth):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, types.ErrNotEntitled):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		logger.Error("{proxy - HandleFunction} %s failed: %v", name, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeRPCResult renders an RPC return value: nil is an empty 200,
// strings go out as plain text, raw bytes pass through unchanged, and
// anything else is marshalled to JSON.
func writeRPCResult(w http.ResponseWriter, result any) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	switch v := result.(type) {
	case nil:
		w.WriteHeader(http.StatusOK)
	case string:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(v))
	case []byte:
		w.Header().Set("Content-Type", "application/json")
		w.Write(v)
	case json.RawMessage:
		w.Header().Set("Content-Type", "application/json")
		w.Write(v)
	default:
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.Error("{proxy - HandleFunction} result encode failed: %v", err)
		}
	}
}

func decodeArgs(args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return errors.New("malformed args: " + err.Error())
	}
	return nil
}

func rpcLogin(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Username == "" {
		a.Username = srv.Config.Username
		a.Password = srv.Config.Password
	}
	session, err := srv.Broker.Login(a.Username, a.Password)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func rpcGetStatus(srv *Server, _ json.RawMessage) (any, error) {
	return string(srv.Flag.Get()), nil
}

func rpcGetChannels(srv *Server, _ json.RawMessage) (any, error) {
	return srv.Broker.Channels(), nil
}

func rpcRefreshChannels(srv *Server, _ json.RawMessage) (any, error) {
	return nil, srv.Broker.RefreshChannels()
}

func rpcRefreshEntitlements(srv *Server, _ json.RawMessage) (any, error) {
	return nil, srv.Broker.RefreshEntitlements()
}

func rpcRefreshWidevine(srv *Server, _ json.RawMessage) (any, error) {
	return nil, srv.Broker.RefreshWidevineLicense()
}

func rpcGetWidevine(srv *Server, _ json.RawMessage) (any, error) {
	return srv.Broker.WidevineCertificate(), nil
}

func rpcObtainTVToken(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		ChannelID string `json:"channelId"`
		AssetType string `json:"assetType"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return srv.Broker.ObtainTVStreamingToken(a.ChannelID, a.AssetType)
}

func rpcObtainReplayToken(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		EventID string `json:"eventId"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return srv.Broker.ObtainReplayStreamingToken(a.EventID)
}

func rpcObtainVODToken(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		StreamID string `json:"streamId"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return srv.Broker.ObtainVODStreamingToken(a.StreamID)
}

func rpcObtainRecordingToken(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		RecordingID string `json:"recordingId"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return srv.Broker.ObtainRecordingStreamingToken(a.RecordingID)
}

func rpcGetStreamingToken(srv *Server, _ json.RawMessage) (any, error) {
	return srv.Broker.StreamingToken(), nil
}

func rpcUpdateToken(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		Token string `json:"token"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Token == "" {
		a.Token = srv.Broker.StreamingToken()
	}
	return srv.Broker.UpdateToken(a.Token)
}

func rpcDeleteToken(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		Token string `json:"token"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Token == "" {
		a.Token = srv.Broker.StreamingToken()
	}
	srv.Broker.DeleteToken(a.Token)
	return nil, nil
}

func rpcGetManifest(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		URL string `json:"url"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	resp, err := srv.Broker.GetManifest(a.URL)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func rpcGetEvents(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		StartTime string `json:"startTime"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return srv.Broker.GetEvents(a.StartTime)
}

func rpcGetEventDetails(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		EventID string `json:"eventId"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return srv.Guide.Details(a.EventID)
}

func rpcGetEPG(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		ChannelID string `json:"channelId"`
		Start     int64  `json:"start"`
		End       int64  `json:"end"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Start == 0 && a.End == 0 {
		return srv.Guide.Events(a.ChannelID), nil
	}
	return srv.Guide.EventsBetween(a.ChannelID, time.Unix(a.Start, 0), time.Unix(a.End, 0)), nil
}

func rpcObtainEvents(srv *Server, _ json.RawMessage) (any, error) {
	return nil, srv.Guide.ObtainEvents()
}

func rpcObtainEventsInWindow(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return nil, srv.Guide.ObtainEventsInWindow(time.Unix(a.Start, 0), time.Unix(a.End, 0))
}

func rpcRecordEvent(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		EventID string `json:"eventId"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	body, err := srv.Broker.RecordEvent(a.EventID)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func rpcRecordShow(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		EventID   string `json:"eventId"`
		ChannelID string `json:"channelId"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	body, err := srv.Broker.RecordShow(a.EventID, a.ChannelID)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func rpcRefreshRecordings(srv *Server, _ json.RawMessage) (any, error) {
	body, err := srv.Broker.RefreshRecordings(false)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func rpcRefreshRecordingsPlanned(srv *Server, _ json.RawMessage) (any, error) {
	body, err := srv.Broker.RefreshRecordings(true)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func rpcDeleteRecordings(srv *Server, args json.RawMessage) (any, error) {
	return deleteRecordings(srv, args, false)
}

func rpcDeleteRecordingsPlanned(srv *Server, args json.RawMessage) (any, error) {
	return deleteRecordings(srv, args, true)
}

func deleteRecordings(srv *Server, args json.RawMessage, planned bool) (any, error) {
	var a struct {
		Events    []string `json:"events"`
		Shows     []string `json:"shows"`
		ChannelID string   `json:"channelId"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	body, err := srv.Broker.DeleteRecordings(a.Events, a.Shows, a.ChannelID, planned)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func rpcSetActiveProfile(srv *Server, args json.RawMessage) (any, error) {
	var a struct {
		Profile string `json:"profile"`
	}
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	return nil, srv.Broker.SetActiveProfile(a.Profile)
}

func rpcPlayVideo(srv *Server, _ json.RawMessage) (any, error) {
	srv.Supervisor.OnPlay()
	return nil, nil
}

func rpcStopVideo(srv *Server, _ json.RawMessage) (any, error) {
	srv.Supervisor.OnStop()
	srv.Rewriter.Reset()
	return nil, nil
}
