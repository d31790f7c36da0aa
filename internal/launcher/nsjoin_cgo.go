//go:build linux && cgo

package launcher

// The join half of spec 4.F's `exec` has to setns(2) into a running
// container's user namespace, and the kernel refuses that call once
// the calling process is multithreaded (setns(2): "the caller must
// not be multithreaded"). A Go process already has extra OS threads
// running (the scheduler, sysmon) by the time any Go code gets a
// chance to run, so the setns(2) sequence has to happen before the Go
// runtime starts at all. A C constructor — registered via
// __attribute__((constructor)) and run at load time, ahead of
// _rt0_go — is the one place that's still true.
//
// Grounded on go.podman.io/storage/pkg/unshare's unshare_cgo.go in
// the retrieval pack: the same constructor-before-runtime trick,
// there unsharing a fresh namespace set, here joining an existing
// one. JoinRunning (join.go) re-execs the kakuri binary with the
// target namespaces' fds inherited and _KAKURI_NSJOIN_FDS/
// _KAKURI_NSJOIN_FLAGS set in its environment; any other invocation
// of the binary leaves both unset and the constructor is a no-op.
//
// #include <sched.h>
// #include <stdlib.h>
// #include <string.h>
// #include <unistd.h>
//
// static void _kakuri_nsjoin(void) {
//   const char *fds_env = getenv("_KAKURI_NSJOIN_FDS");
//   const char *flags_env = getenv("_KAKURI_NSJOIN_FLAGS");
//   if (fds_env == NULL || flags_env == NULL) {
//     return;
//   }
//
//   char fds[256];
//   char flags[256];
//   strncpy(fds, fds_env, sizeof(fds)-1);
//   fds[sizeof(fds)-1] = '\0';
//   strncpy(flags, flags_env, sizeof(flags)-1);
//   flags[sizeof(flags)-1] = '\0';
//
//   char *fd_save = NULL;
//   char *flag_save = NULL;
//   char *fd_tok = strtok_r(fds, ",", &fd_save);
//   char *flag_tok = strtok_r(flags, ",", &flag_save);
//   while (fd_tok != NULL && flag_tok != NULL) {
//     if (setns(atoi(fd_tok), atoi(flag_tok)) != 0) {
//       _exit(111);
//     }
//     fd_tok = strtok_r(NULL, ",", &fd_save);
//     flag_tok = strtok_r(NULL, ",", &flag_save);
//   }
// }
//
// __attribute__((constructor)) static void _kakuri_nsjoin_ctor(void) {
//   _kakuri_nsjoin();
// }
import "C"

// cgoNsjoinAvailable tells join.go, at runtime, that the constructor
// above was actually compiled into this binary.
const cgoNsjoinAvailable = true
