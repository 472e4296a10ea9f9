// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package harmonize

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/lib/cmd"
	"git.arvados.org/arvados.git/sdk/go/arvados"
	"git.arvados.org/arvados.git/sdk/go/arvadosclient"
	"git.arvados.org/arvados.git/sdk/go/keepclient"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
	"github.com/xi2/xz"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/websocket"
)

// Docker image for container mode; see build-docker-image.
const runtimeImage = "harmonize-runtime"

type eventMessage struct {
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
	Properties struct {
		Text string
	}
}

// arvadosContainerRunner submits a harmonize subcommand as an Arvados
// container request and waits for it to finish. The study directory
// and config files must live in collections (see TranslatePaths).
type arvadosContainerRunner struct {
	Client      *arvados.Client
	Name        string
	ProjectUUID string
	VCPUs       int
	RAM         int64
	Priority    int
	Args        []string
	Mounts      map[string]map[string]interface{}
}

func (runner *arvadosContainerRunner) Run() (string, error) {
	return runner.RunContext(context.Background())
}

// RunContext returns the UUID of the output collection. Cancelling
// ctx sets the container request priority to zero.
func (runner *arvadosContainerRunner) RunContext(ctx context.Context) (string, error) {
	if runner.ProjectUUID == "" {
		return "", errors.New("cannot run arvados container: ProjectUUID not provided")
	}
	mounts := map[string]map[string]interface{}{
		"/mnt/output": {
			"kind":     "collection",
			"writable": true,
		},
	}
	for path, mnt := range runner.Mounts {
		mounts[path] = mnt
	}
	cmdUUID, err := runner.makeCommandCollection()
	if err != nil {
		return "", err
	}
	mounts["/mnt/cmd"] = map[string]interface{}{
		"kind": "collection",
		"uuid": cmdUUID,
	}
	priority := runner.Priority
	if priority < 1 {
		priority = 500
	}
	var cr arvados.ContainerRequest
	err = runner.Client.RequestAndDecodeContext(ctx, &cr, "POST", "arvados/v1/container_requests", nil, map[string]interface{}{
		"container_request": map[string]interface{}{
			"owner_uuid":      runner.ProjectUUID,
			"name":            runner.Name,
			"container_image": runtimeImage,
			"command":         append([]string{"/mnt/cmd/harmonize"}, runner.Args...),
			"mounts":          mounts,
			"use_existing":    true,
			"output_path":     "/mnt/output",
			"runtime_constraints": arvados.RuntimeConstraints{
				VCPUs: runner.VCPUs,
				RAM:   runner.RAM,
			},
			"priority":            priority,
			"state":               arvados.ContainerRequestStateCommitted,
			"container_count_max": 1,
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("container request UUID: %s", cr.UUID)

	events := make(chan eventMessage)
	stopEvents := make(chan struct{})
	defer close(stopEvents)
	subscribed := ""

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	lastState := cr.State
	for cr.State != arvados.ContainerRequestStateFinal {
		select {
		case <-ctx.Done():
			err := runner.Client.RequestAndDecode(&cr, "PATCH", "arvados/v1/container_requests/"+cr.UUID, nil, map[string]interface{}{
				"container_request": map[string]interface{}{"priority": 0},
			})
			if err != nil {
				log.Errorf("error cancelling container request %s: %s", cr.UUID, err)
			}
			return "", ctx.Err()
		case msg := <-events:
			if msg.EventType == "stderr" {
				for _, line := range strings.Split(strings.TrimRight(msg.Properties.Text, "\n"), "\n") {
					log.Print(line)
				}
			}
			continue
		case <-ticker.C:
		}
		err = runner.Client.RequestAndDecodeContext(ctx, &cr, "GET", "arvados/v1/container_requests/"+cr.UUID, nil, nil)
		if err != nil {
			log.Warnf("error getting container request: %s", err)
			continue
		}
		if cr.State != lastState {
			log.Printf("container request state: %s", cr.State)
			lastState = cr.State
		}
		if cr.ContainerUUID != "" && cr.ContainerUUID != subscribed {
			subscribed = cr.ContainerUUID
			log.Printf("container UUID: %s", subscribed)
			go runner.streamEvents(subscribed, events, stopEvents)
		}
	}

	var c arvados.Container
	err = runner.Client.RequestAndDecodeContext(ctx, &c, "GET", "arvados/v1/containers/"+cr.ContainerUUID, nil, nil)
	if err != nil {
		return "", err
	} else if c.State != arvados.ContainerStateComplete {
		return "", fmt.Errorf("container did not complete: %s", c.State)
	} else if c.ExitCode != 0 {
		return "", fmt.Errorf("container exited %d", c.ExitCode)
	}
	return cr.OutputUUID, nil
}

// streamEvents relays container log events from the websocket service
// until stop is closed. Connection errors are logged and end the
// stream; the caller keeps polling the container request regardless.
func (runner *arvadosContainerRunner) streamEvents(uuid string, events chan<- eventMessage, stop <-chan struct{}) {
	var cluster arvados.Cluster
	err := runner.Client.RequestAndDecode(&cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
	if err != nil {
		log.Warnf("error getting cluster config: %s", err)
		return
	}
	wsURL := cluster.Services.Websocket.ExternalURL
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/websocket"
	wsURL.RawQuery = url.Values{"api_token": []string{runner.Client.AuthToken}}.Encode()
	conn, err := websocket.Dial(wsURL.String(), "", cluster.Services.Controller.ExternalURL.String())
	if err != nil {
		log.Warnf("websocket connection error: %s", err)
		return
	}
	go func() {
		<-stop
		conn.Close()
	}()
	err = json.NewEncoder(conn).Encode(map[string]interface{}{
		"method": "subscribe",
		"filters": [][]interface{}{
			{"object_uuid", "=", uuid},
			{"event_type", "in", []string{"stderr"}},
		},
	})
	if err != nil {
		log.Warnf("websocket subscribe error: %s", err)
		return
	}
	dec := json.NewDecoder(conn)
	for {
		var msg eventMessage
		if err := dec.Decode(&msg); err != nil {
			return
		}
		if msg.ObjectUUID != uuid {
			continue
		}
		select {
		case events <- msg:
		case <-stop:
			return
		}
	}
}

var collectionInPathRe = regexp.MustCompile(`^(.*/)?([0-9a-f]{32}\+[0-9]+|[0-9a-z]{5}-[0-9a-z]{5}-[0-9a-z]{15})(/.*)?$`)

// TranslatePaths rewrites each collection path to its mount point
// inside the container and adds the corresponding mount.
func (runner *arvadosContainerRunner) TranslatePaths(paths ...*string) error {
	if runner.Mounts == nil {
		runner.Mounts = make(map[string]map[string]interface{})
	}
	for _, path := range paths {
		if *path == "" || *path == "-" {
			continue
		}
		m := collectionInPathRe.FindStringSubmatch(*path)
		if m == nil {
			return fmt.Errorf("cannot find uuid in path: %q", *path)
		}
		collID := m[2]
		if _, ok := runner.Mounts["/mnt/"+collID]; !ok {
			mnt := map[string]interface{}{"kind": "collection"}
			if len(collID) == 27 {
				mnt["uuid"] = collID
			} else {
				mnt["portable_data_hash"] = collID
			}
			runner.Mounts["/mnt/"+collID] = mnt
		}
		*path = "/mnt/" + collID + m[3]
	}
	return nil
}

var mtxMakeCommandCollection sync.Mutex

// makeCommandCollection stores the running binary in a collection,
// reusing an existing one with the same name and blake2b hash.
func (runner *arvadosContainerRunner) makeCommandCollection() (string, error) {
	mtxMakeCommandCollection.Lock()
	defer mtxMakeCommandCollection.Unlock()
	exe, err := os.ReadFile("/proc/self/exe")
	if err != nil {
		return "", err
	}
	b2 := fmt.Sprintf("%x", blake2b.Sum256(exe))
	cname := "harmonize " + cmd.Version.String()
	var existing arvados.CollectionList
	err = runner.Client.RequestAndDecode(&existing, "GET", "arvados/v1/collections", nil, arvados.ListOptions{
		Limit: 1,
		Count: "none",
		Filters: []arvados.Filter{
			{Attr: "name", Operator: "=", Operand: cname},
			{Attr: "owner_uuid", Operator: "=", Operand: runner.ProjectUUID},
			{Attr: "properties.blake2b", Operator: "=", Operand: b2},
		},
	})
	if err != nil {
		return "", err
	}
	if len(existing.Items) > 0 {
		log.Printf("using harmonize binary in existing collection %s", existing.Items[0].UUID)
		return existing.Items[0].UUID, nil
	}
	ac, err := arvadosclient.New(runner.Client)
	if err != nil {
		return "", err
	}
	var coll arvados.Collection
	fs, err := coll.FileSystem(runner.Client, keepclient.New(ac))
	if err != nil {
		return "", err
	}
	f, err := fs.OpenFile("harmonize", os.O_CREATE|os.O_WRONLY, 0777)
	if err != nil {
		return "", err
	}
	if _, err = f.Write(exe); err != nil {
		return "", err
	}
	if err = f.Close(); err != nil {
		return "", err
	}
	mtxt, err := fs.MarshalManifest(".")
	if err != nil {
		return "", err
	}
	err = runner.Client.RequestAndDecode(&coll, "POST", "arvados/v1/collections", nil, map[string]interface{}{
		"collection": map[string]interface{}{
			"owner_uuid":    runner.ProjectUUID,
			"manifest_text": mtxt,
			"name":          cname,
			"properties":    map[string]interface{}{"blake2b": b2},
		},
	})
	if err != nil {
		return "", err
	}
	log.Printf("stored harmonize binary in new collection %s", coll.UUID)
	return coll.UUID, nil
}

// zopen returns a reader for the given file, using the arvados API
// instead of arv-mount/fuse where applicable, and transparently
// decompressing the input if fnm ends with ".gz" or ".xz".
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(fnm, ".gz"):
		rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
		if err != nil {
			f.Close()
			return nil, err
		}
		return zreader{rdr, f}, nil
	case strings.HasSuffix(fnm, ".xz"):
		rdr, err := xz.NewReader(bufio.NewReader(f), 0)
		if err != nil {
			f.Close()
			return nil, err
		}
		return zreader{io.NopCloser(rdr), f}, nil
	default:
		return f, nil
	}
}

// zreader presents a decompressor and its underlying file as a single
// ReadCloser.
type zreader struct {
	io.ReadCloser
	file io.Closer
}

func (zr zreader) Close() error {
	e1 := zr.ReadCloser.Close()
	e2 := zr.file.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

var (
	arvadosClientFromEnv = arvados.NewClientFromEnv()
	siteFS               arvados.CustomFileSystem
	siteFSMtx            sync.Mutex
)

type file interface {
	io.ReadCloser
	Readdir(n int) ([]os.FileInfo, error)
	Stat() (os.FileInfo, error)
}

// open opens a local file, or a file inside an Arvados collection if
// ARVADOS_API_HOST is set and the path names a collection.
func open(fnm string) (file, error) {
	if os.Getenv("ARVADOS_API_HOST") == "" {
		return os.Open(fnm)
	}
	m := collectionInPathRe.FindStringSubmatch(fnm)
	if m == nil {
		return os.Open(fnm)
	}
	siteFSMtx.Lock()
	defer siteFSMtx.Unlock()
	if siteFS == nil {
		log.Info("setting up Arvados client")
		ac, err := arvadosclient.New(arvadosClientFromEnv)
		if err != nil {
			return nil, err
		}
		ac.Client = arvados.DefaultSecureClient
		kc := keepclient.New(ac)
		kc.HTTPClient = arvados.DefaultSecureClient
		siteFS = arvadosClientFromEnv.SiteFileSystem(kc)
	}
	log.Debugf("reading %q from %s using Arvados client", m[3], m[2])
	return siteFS.Open("by_id/" + m[2] + m[3])
}
