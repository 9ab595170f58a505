//go:build darwin

package permissions

/*
#cgo LDFLAGS: -framework AVFoundation
#import <AVFoundation/AVFoundation.h>

int checkMicrophonePermission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

void requestMicrophonePermission() {
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {}];
}
*/
import "C"

import "fmt"

// CheckMicrophone returns the current microphone permission status
func CheckMicrophone() Status {
	return Status(C.checkMicrophonePermission())
}

// RequestMicrophone triggers the system microphone permission dialog
func RequestMicrophone() {
	C.requestMicrophonePermission()
}

// EnsureMicrophone requests access when it has not been decided yet and
// fails unless access is granted. Loopback capture through a virtual
// device such as BlackHole is covered by the same permission.
func EnsureMicrophone() error {
	status := CheckMicrophone()
	if status == Authorized {
		return nil
	}
	if status == NotDetermined {
		RequestMicrophone()
	}
	return fmt.Errorf("%w: %s (System Settings > Privacy & Security > Microphone)", ErrMicrophoneDenied, status)
}
