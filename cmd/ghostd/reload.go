// SPDX-FileCopyrightText: 2025 The ghostwire-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/ghostwire/ghostwire-go/pkg/tunnel"
)

// tuner is implemented by the tunnel.Engine.
type tuner interface {
	Tune(conf tunnel.Config) error
}

// configWatcher re-applies the tunable settings after the configuration file was changed: logging, jitter, entropy
// threshold and loss simulation. Other settings require a restart.
type configWatcher struct {
	filename string
	target   tuner
	watcher  *fsnotify.Watcher

	stopSyn chan struct{}
	stopAck chan struct{}
}

// watchConfig starts a configWatcher. The file's directory is watched, as editors often replace files.
func watchConfig(filename string, target tuner) (cw *configWatcher, err error) {
	cw = &configWatcher{
		filename: filepath.Clean(filename),
		target:   target,
		stopSyn:  make(chan struct{}),
		stopAck:  make(chan struct{}),
	}

	if cw.watcher, err = fsnotify.NewWatcher(); err != nil {
		return nil, err
	}
	if err = cw.watcher.Add(filepath.Dir(cw.filename)); err != nil {
		_ = cw.watcher.Close()
		return nil, err
	}

	go cw.handler()
	return cw, nil
}

func (cw *configWatcher) handler() {
	defer close(cw.stopAck)
	defer func() { _ = cw.watcher.Close() }()

	for {
		select {
		case <-cw.stopSyn:
			return

		case e, ok := <-cw.watcher.Events:
			if !ok {
				log.Error("fsnotify's Event channel was closed")
				return
			}

			if filepath.Clean(e.Name) != cw.filename || e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				log.WithFields(log.Fields{
					"file":      e.Name,
					"operation": e.Op.String(),
				}).Debug("Ignoring fsnotify event")
				continue
			}

			cw.reload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				log.Error("fsnotify's Errors channel was closed")
				return
			}

			log.WithError(err).Error("fsnotify errored")
		}
	}
}

// reload the configuration file and tune the target.
func (cw *configWatcher) reload() {
	logger := log.WithField("file", cw.filename)

	conf, err := parseConfig(cw.filename)
	if err != nil {
		logger.WithError(err).Warn("Reloading config failed, keeping the previous settings")
		return
	}

	if err := cw.target.Tune(conf.Tunnel); err != nil {
		logger.WithError(err).Warn("Tuning engine failed")
		return
	}

	logger.Info("Reloaded config")
}

// Close the configWatcher.
func (cw *configWatcher) Close() {
	close(cw.stopSyn)
	<-cw.stopAck
}
