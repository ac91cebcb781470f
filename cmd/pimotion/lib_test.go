package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nasa-jpl/pimotion/actuator"
	"github.com/stretchr/testify/require"
)

func mockConfig() Config {
	master := actuator.DefaultSettings()
	slave := actuator.DefaultSettings()
	slave.MultiStatus = actuator.Slave
	slave.Axis = "2"
	return Config{
		Addr: ":8000",
		Mock: true,
		Nodes: []ObjSetup{
			{Endpoint: "gcs2", Type: "pi"},
			{Type: "pi-daisy-chain", DaisyChain: []Daisy{
				{ControllerID: 1, Endpoint: "chain/a"},
				{ControllerID: 2, Endpoint: "chain/b"}}},
			{Endpoint: "mercury", Type: "MMC"},
			{Endpoint: "stage/a", Type: "pi-actuator", Actuator: master},
			{Endpoint: "stage/b/*", Type: "pi-actuator", Actuator: slave, Master: "stage/a"},
		}}
}

func TestBuildMux(t *testing.T) {
	srv, err := BuildMux(mockConfig())
	require.NoError(t, err)
	defer srv.Close()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/endpoints")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	graph := map[string][]string{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&graph))
	for _, ep := range []string{"/gcs2", "/chain/a", "/chain/b", "/mercury", "/stage/a", "/stage/b"} {
		require.Contains(t, graph, ep)
	}
	require.Contains(t, graph["/gcs2"], "POST /axis/{axis}/pos")
	require.Contains(t, graph["/gcs2"], "POST /raw")
	require.Contains(t, graph["/stage/b"], "POST /actuator/wait")
	require.Contains(t, graph["/stage/a"], "POST /lock")

	get, err := http.Get(ts.URL + "/stage/b/actuator/info")
	require.NoError(t, err)
	defer get.Body.Close()
	var info struct {
		Settings struct {
			Axis string `json:"axis"`
		} `json:"settings"`
	}
	require.Equal(t, http.StatusOK, get.StatusCode)
	require.NoError(t, json.NewDecoder(get.Body).Decode(&info))
	require.Equal(t, "2", info.Settings.Axis)
}

func TestBuildMuxLockBlocksMoves(t *testing.T) {
	srv, err := BuildMux(mockConfig())
	require.NoError(t, err)
	defer srv.Close()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	post := func(path, body string) int {
		resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	require.Equal(t, http.StatusOK, post("/stage/a/lock", `{"bool": true}`))
	require.Equal(t, http.StatusLocked, post("/stage/a/actuator/pos", `{"f64": 1}`))
	require.Equal(t, http.StatusOK, post("/stage/a/lock", `{"bool": false}`))
	require.Equal(t, http.StatusOK, post("/stage/a/actuator/closed-loop", `{"bool": true}`))
	require.Equal(t, http.StatusOK, post("/stage/a/actuator/pos", `{"f64": 1}`))
}

func TestBuildMuxErrors(t *testing.T) {
	dup := Config{Mock: true, Nodes: []ObjSetup{
		{Endpoint: "x", Type: "pi"},
		{Endpoint: "/x/", Type: "pi"}}}
	_, err := BuildMux(dup)
	require.Error(t, err)
	require.Contains(t, err.Error(), "more than once")

	_, err = BuildMux(Config{Mock: true, Nodes: []ObjSetup{{Endpoint: "x", Type: "newport"}}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not understood")

	slave := actuator.DefaultSettings()
	slave.MultiStatus = actuator.Slave
	_, err = BuildMux(Config{Mock: true, Nodes: []ObjSetup{
		{Endpoint: "b", Type: "pi-actuator", Actuator: slave, Master: "a"}}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "master")
}
