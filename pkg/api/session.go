package api

import (
	"context"

	"github.com/umputun/qbridge/pkg/bridge"
	"github.com/umputun/qbridge/pkg/dataframe"
	"github.com/umputun/qbridge/pkg/options"
	"github.com/umputun/qbridge/pkg/session"
)

// RegisterCSV decodes csv read options (defaults for an empty blob) and loads path as table name.
func (b *Bridge) RegisterCSV(h bridge.Handle, name, path string, blob []byte, cb Callback, userData uint64) error {
	return bridge.Contain(func() error {
		s, c, err := b.prepareSession(h, cb, userData, bridge.CodeTableRegistrationFailed)
		if err != nil {
			return err
		}
		opts, err := options.DecodeCSVRead(blob)
		if err != nil {
			return bridge.Wrap(bridge.CodeInvalidArgument, err)
		}
		return s.RegisterCSV(name, path, opts, c.void())
	})
}

// RegisterJSON decodes json read options (defaults for an empty blob) and loads path as table name.
func (b *Bridge) RegisterJSON(h bridge.Handle, name, path string, blob []byte, cb Callback, userData uint64) error {
	return bridge.Contain(func() error {
		s, c, err := b.prepareSession(h, cb, userData, bridge.CodeTableRegistrationFailed)
		if err != nil {
			return err
		}
		opts, err := options.DecodeJSONRead(blob)
		if err != nil {
			return bridge.Wrap(bridge.CodeInvalidArgument, err)
		}
		return s.RegisterJSON(name, path, opts, c.void())
	})
}

// RegisterParquet loads parquet file(s) at path as table name.
func (b *Bridge) RegisterParquet(h bridge.Handle, name, path string, cb Callback, userData uint64) error {
	return bridge.Contain(func() error {
		s, c, err := b.prepareSession(h, cb, userData, bridge.CodeTableRegistrationFailed)
		if err != nil {
			return err
		}
		return s.RegisterParquet(name, path, c.void())
	})
}

// DeregisterTable removes table name. The callback is invoked before the call returns,
// with TableRegistrationFailed for unknown names.
func (b *Bridge) DeregisterTable(h bridge.Handle, name string, cb Callback, userData uint64) error {
	return bridge.Contain(func() error {
		s, c, err := b.prepareSession(h, cb, userData, bridge.CodeTableRegistrationFailed)
		if err != nil {
			return err
		}
		if name == "" {
			return bridge.Errorf(bridge.CodeInvalidArgument, "empty table name")
		}
		err = s.Deregister(name)
		if bridge.CodeOf(err, bridge.CodeOk) == bridge.CodeInvalidArgument {
			return err // closed concurrently, nothing was attempted
		}
		c.void().Settle(dataframe.Void{}, err)
		return nil
	})
}

// SQL decodes query parameters (none for an empty blob) and plans query. The callback
// receives the handle of a new dataframe.
func (b *Bridge) SQL(h bridge.Handle, query string, params []byte, cb Callback, userData uint64) error {
	return bridge.Contain(func() error {
		s, c, err := b.prepareSession(h, cb, userData, bridge.CodeSQLError)
		if err != nil {
			return err
		}
		ps, err := options.DecodeParams(params)
		if err != nil {
			return bridge.Wrap(bridge.CodeInvalidArgument, err)
		}
		return s.SQL(query, ps, c.frame(b))
	})
}

// Tables lists tables registered in the session.
func (b *Bridge) Tables(ctx context.Context, h bridge.Handle) ([]string, error) {
	return bridge.ContainValue(func() ([]string, error) {
		s, err := b.session(h)
		if err != nil {
			return nil, err
		}
		res, err := s.Tables(ctx)
		if err != nil {
			return nil, bridge.Wrap(bridge.CodeTableRegistrationFailed, err)
		}
		return res, nil
	})
}

// prepareSession resolves the session handle and checks the callback
func (b *Bridge) prepareSession(h bridge.Handle, cb Callback, userData uint64, code bridge.Code) (*session.Session, completion, error) {
	c, err := newCompletion(cb, userData, code)
	if err != nil {
		return nil, completion{}, err
	}
	s, err := b.session(h)
	if err != nil {
		return nil, completion{}, err
	}
	return s, c, nil
}
