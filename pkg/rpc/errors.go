package rpc

import "github.com/confluxdb/conflux/pkg/coreerr"

func toWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	var ce *coreerr.Error
	if e, ok := err.(*coreerr.Error); ok {
		ce = e
	} else {
		ce = coreerr.Unavailable(err.Error())
	}
	return &WireError{
		Kind:       string(ce.Kind),
		Code:       string(ce.Code),
		Message:    ce.Message,
		LeaderHint: ce.LeaderHint,
	}
}

func fromWireError(w *WireError) error {
	if w == nil {
		return nil
	}
	return &coreerr.Error{
		Kind:       coreerr.Kind(w.Kind),
		Code:       coreerr.Code(w.Code),
		Message:    w.Message,
		LeaderHint: w.LeaderHint,
	}
}
