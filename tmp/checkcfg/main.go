package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"scanline/internal/db"
	"scanline/internal/engine"
	"scanline/internal/migrate"
	"scanline/internal/server"
)

// Boots a throwaway dataset end-to-end: init, manifest, doughnut,
// tracker, then one authenticated API call. Scratch tool, not shipped.
func main() {
	root, err := os.MkdirTemp("", "scanline-check")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(root)
	conn, err := db.Open(db.Config{Dataset: root})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	ctx := context.Background()
	e := engine.New(conn, nil, root)
	cfg, err := e.InitDataset(ctx, "check", "checker")
	if err != nil {
		panic(err)
	}
	e.Config = cfg

	manifest := "participant_id,visit,session,datatype\n001,V01,01,anat\n002,V01,01,anat\n"
	if err := os.WriteFile(cfg.ManifestPath(root), []byte(manifest), 0o644); err != nil {
		panic(err)
	}
	bidsAnat := filepath.Join(cfg.BidsDir(root), "sub-001", "ses-01", "anat")
	if err := os.MkdirAll(bidsAnat, 0o755); err != nil {
		panic(err)
	}
	if err := os.WriteFile(filepath.Join(bidsAnat, "sub-001_ses-01_T1w.nii.gz"), []byte("x"), 0o644); err != nil {
		panic(err)
	}

	dres, err := e.UpdateDoughnut(ctx, engine.DoughnutOptions{Regenerate: true, Actor: "checker"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("doughnut rows=%d wrote=%t\n", dres.Rows, dres.Wrote)

	tres, err := e.Track(ctx, engine.TrackOptions{Pipeline: "fmriprep", Version: "20.2.7", Actor: "checker"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("bagel subjects=%d counts=%v\n", tres.Subjects, tres.StatusCounts)

	jwtSecret := "check-secret"
	h, err := server.New(server.Config{Engine: e, BasePath: "/v0", Auth: server.AuthConfig{JWTSecret: jwtSecret}})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()
	token, err := server.IssueToken(jwtSecret, "checker", time.Hour, time.Now())
	if err != nil {
		panic(err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v0/dataset", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var resp any
	_ = json.NewDecoder(res.Body).Decode(&resp)
	fmt.Printf("status=%d resp=%v\n", res.StatusCode, resp)
}
