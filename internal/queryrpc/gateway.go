package queryrpc

import (
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// NewGateway returns a grpc-gateway mux that serves the LedgerQuery methods
// as HTTP/JSON by calling the service over cc:
//
//	GET  /v1/snapshots/latest
//	GET  /v1/proofs/{id}
//	POST /v1/signatures/verify   {"root": "...", "signature": "..."}
//
// gRPC status codes map to HTTP statuses the way the gateway runtime does.
func NewGateway(cc grpc.ClientConnInterface) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONPb{
			MarshalOptions: protojson.MarshalOptions{
				UseProtoNames:   true,
				EmitUnpopulated: false,
			},
			UnmarshalOptions: protojson.UnmarshalOptions{DiscardUnknown: true},
		}),
	)
	gw := &gateway{mux: mux, client: NewClient(cc)}

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/snapshots/latest", gw.latestSnapshot},
		{http.MethodGet, "/v1/proofs/{id}", gw.getProof},
		{http.MethodPost, "/v1/signatures/verify", gw.verifySignature},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.h); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

type gateway struct {
	mux    *runtime.ServeMux
	client *Client
}

func (g *gateway) latestSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	_, out := runtime.MarshalerForRequest(g.mux, r)
	resp, err := g.client.LatestSnapshot(r.Context())
	if err != nil {
		runtime.HTTPError(r.Context(), g.mux, out, w, r, err)
		return
	}
	runtime.ForwardResponseMessage(r.Context(), g.mux, out, w, r, resp)
}

func (g *gateway) getProof(w http.ResponseWriter, r *http.Request, params map[string]string) {
	_, out := runtime.MarshalerForRequest(g.mux, r)
	id, err := strconv.ParseInt(params["id"], 10, 64)
	if err != nil {
		runtime.HTTPError(r.Context(), g.mux, out, w, r,
			status.Errorf(codes.InvalidArgument, "invalid event id %q", params["id"]))
		return
	}
	resp, err := g.client.GetProof(r.Context(), id)
	if err != nil {
		runtime.HTTPError(r.Context(), g.mux, out, w, r, err)
		return
	}
	runtime.ForwardResponseMessage(r.Context(), g.mux, out, w, r, resp)
}

func (g *gateway) verifySignature(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	in, out := runtime.MarshalerForRequest(g.mux, r)
	var req structpb.Struct
	if err := in.NewDecoder(r.Body).Decode(&req); err != nil {
		runtime.HTTPError(r.Context(), g.mux, out, w, r,
			status.Errorf(codes.InvalidArgument, "decode request: %v", err))
		return
	}

	valid, err := g.client.VerifySignature(r.Context(),
		req.GetFields()["root"].GetStringValue(),
		req.GetFields()["signature"].GetStringValue(),
	)
	if err != nil {
		runtime.HTTPError(r.Context(), g.mux, out, w, r, err)
		return
	}
	resp, err := structpb.NewStruct(map[string]any{"valid": valid})
	if err != nil {
		runtime.HTTPError(r.Context(), g.mux, out, w, r, err)
		return
	}
	runtime.ForwardResponseMessage(r.Context(), g.mux, out, w, r, resp)
}
