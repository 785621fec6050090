package syncer

import (
	"reflect"
	"testing"

	"github.com/paulschiretz/pgl-hostbackup/pkg/config"
)

func TestBuildArgs(t *testing.T) {
	target := config.Target{Host: "web01", Port: 22, Root: "/"}

	testCases := []struct {
		name   string
		syncer *RsyncSyncer
		target config.Target
		phase  Phase
		want   []string
	}{
		{
			name:   "simple mode pass",
			syncer: &RsyncSyncer{binary: "rsync"},
			target: target,
			phase: Phase{
				Excludes:         []string{"proc/", "*.tmp"},
				DeleteExtraneous: true,
				DeleteExcluded:   true,
				ArchiveRoot:      "/srv/backups/web01/rollback-limited/2026-08-25_12-00-00",
			},
			want: []string{
				"-aS", "--numeric-ids",
				"-e", "ssh -p 22 -o BatchMode=yes",
				"--exclude=proc/", "--exclude=*.tmp",
				"--delete", "--delete-excluded",
				"--backup", "--backup-dir=/srv/backups/web01/rollback-limited/2026-08-25_12-00-00",
				"web01:/", "/srv/backups/web01/current/",
			},
		},
		{
			name:   "incremental pass A keeps excluded files",
			syncer: &RsyncSyncer{binary: "rsync"},
			target: target,
			phase: Phase{
				Excludes:         []string{"var/mail"},
				DeleteExtraneous: true,
				DeleteExcluded:   false,
				ArchiveRoot:      "/srv/backups/web01/rollback-limited/2026-08-25_12-00-00",
			},
			want: []string{
				"-aS", "--numeric-ids",
				"-e", "ssh -p 22 -o BatchMode=yes",
				"--exclude=var/mail",
				"--delete",
				"--backup", "--backup-dir=/srv/backups/web01/rollback-limited/2026-08-25_12-00-00",
				"web01:/", "/srv/backups/web01/current/",
			},
		},
		{
			name:   "root with trailing slash keeps a single source slash",
			syncer: &RsyncSyncer{binary: "rsync"},
			target: config.Target{Host: "db02", Port: 22, Root: "/srv/"},
			phase: Phase{
				DeleteExtraneous: true,
				ArchiveRoot:      "/srv/backups/db02/rollback-limited/2026-08-25_12-00-00",
			},
			want: []string{
				"-aS", "--numeric-ids",
				"-e", "ssh -p 22 -o BatchMode=yes",
				"--delete",
				"--backup", "--backup-dir=/srv/backups/db02/rollback-limited/2026-08-25_12-00-00",
				"db02:/srv/", "/srv/backups/db02/current/",
			},
		},
		{
			name:   "dry run and bandwidth limit",
			syncer: &RsyncSyncer{binary: "rsync", bwLimitKBps: 4096, dryRun: true},
			target: config.Target{Host: "db02", Port: 2222, Root: "/srv"},
			phase: Phase{
				DeleteExtraneous: true,
				ArchiveRoot:      "/srv/backups/db02/rollback-limited/2026-08-25_12-00-00",
			},
			want: []string{
				"-aS", "--numeric-ids",
				"-n",
				"--bwlimit=4096",
				"-e", "ssh -p 2222 -o BatchMode=yes",
				"--delete",
				"--backup", "--backup-dir=/srv/backups/db02/rollback-limited/2026-08-25_12-00-00",
				"db02:/srv/", "/srv/backups/db02/current/",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			currentDir := "/srv/backups/" + tc.target.Host + "/current"

			got := tc.syncer.buildArgs(tc.target, currentDir, tc.phase)

			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("buildArgs mismatch\n got: %v\nwant: %v", got, tc.want)
			}
		})
	}
}
