package api

import (
	"github.com/umputun/qbridge/pkg/bridge"
	"github.com/umputun/qbridge/pkg/dataframe"
	"github.com/umputun/qbridge/pkg/options"
)

// Count delivers the number of rows of the dataframe.
func (b *Bridge) Count(h bridge.Handle, cb Callback, userData uint64) error {
	return bridge.Contain(func() error {
		df, c, err := b.prepareFrame(h, cb, userData)
		if err != nil {
			return err
		}
		return df.Count(c.count())
	})
}

// Show prints up to limit rows, all for 0, to the configured show writer.
func (b *Bridge) Show(h bridge.Handle, limit uint64, cb Callback, userData uint64) error {
	return bridge.Contain(func() error {
		df, c, err := b.prepareFrame(h, cb, userData)
		if err != nil {
			return err
		}
		return df.Show(limit, c.void())
	})
}

// ToString delivers the dataframe rendered as a text table.
func (b *Bridge) ToString(h bridge.Handle, cb Callback, userData uint64) error {
	return bridge.Contain(func() error {
		df, c, err := b.prepareFrame(h, cb, userData)
		if err != nil {
			return err
		}
		return df.ToString(c.bytes())
	})
}

// Collect delivers the dataframe as an arrow ipc stream.
func (b *Bridge) Collect(h bridge.Handle, cb Callback, userData uint64) error {
	return bridge.Contain(func() error {
		df, c, err := b.prepareFrame(h, cb, userData)
		if err != nil {
			return err
		}
		return df.Collect(c.bytes())
	})
}

// Schema delivers the schema as an arrow ipc stream. The callback is invoked before the call returns.
func (b *Bridge) Schema(h bridge.Handle, cb Callback, userData uint64) error {
	return bridge.Contain(func() error {
		df, c, err := b.prepareFrame(h, cb, userData)
		if err != nil {
			return err
		}
		res, err := df.Schema()
		if bridge.CodeOf(err, bridge.CodeOk) == bridge.CodeInvalidArgument {
			return err
		}
		c.bytes().Settle(res, err)
		return nil
	})
}

// WriteCSV writes the dataframe as csv, both option blobs may be empty.
func (b *Bridge) WriteCSV(h bridge.Handle, path string, writeOpts, csvOpts []byte, cb Callback, userData uint64) error {
	return bridge.Contain(func() error {
		df, c, err := b.prepareFrame(h, cb, userData)
		if err != nil {
			return err
		}
		wo, err := options.DecodeDataFrameWrite(writeOpts)
		if err != nil {
			return bridge.Wrap(bridge.CodeInvalidArgument, err)
		}
		co, err := options.DecodeCSVWrite(csvOpts)
		if err != nil {
			return bridge.Wrap(bridge.CodeInvalidArgument, err)
		}
		return df.WriteCSV(path, wo, co, c.void())
	})
}

// WriteJSON writes the dataframe as newline delimited json, both option blobs may be empty.
func (b *Bridge) WriteJSON(h bridge.Handle, path string, writeOpts, jsonOpts []byte, cb Callback, userData uint64) error {
	return bridge.Contain(func() error {
		df, c, err := b.prepareFrame(h, cb, userData)
		if err != nil {
			return err
		}
		wo, err := options.DecodeDataFrameWrite(writeOpts)
		if err != nil {
			return bridge.Wrap(bridge.CodeInvalidArgument, err)
		}
		jo, err := options.DecodeJSONWrite(jsonOpts)
		if err != nil {
			return bridge.Wrap(bridge.CodeInvalidArgument, err)
		}
		return df.WriteJSON(path, wo, jo, c.void())
	})
}

// WriteParquet writes the dataframe as parquet, the option blob may be empty.
func (b *Bridge) WriteParquet(h bridge.Handle, path string, writeOpts []byte, cb Callback, userData uint64) error {
	return bridge.Contain(func() error {
		df, c, err := b.prepareFrame(h, cb, userData)
		if err != nil {
			return err
		}
		wo, err := options.DecodeDataFrameWrite(writeOpts)
		if err != nil {
			return bridge.Wrap(bridge.CodeInvalidArgument, err)
		}
		return df.WriteParquet(path, wo, c.void())
	})
}

// prepareFrame resolves the dataframe handle and checks the callback
func (b *Bridge) prepareFrame(h bridge.Handle, cb Callback, userData uint64) (*dataframe.DataFrame, completion, error) {
	c, err := newCompletion(cb, userData, bridge.CodeDataFrameError)
	if err != nil {
		return nil, completion{}, err
	}
	df, err := b.frame(h)
	if err != nil {
		return nil, completion{}, err
	}
	return df, c, nil
}
