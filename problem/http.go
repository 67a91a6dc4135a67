package problem

import (
	concave "github.com/concave/concave"
)

// WriteTo renders the Error as a JSON problem-details body on c, setting
// the status from HTTPStatus and an ETag header when CurrentETag is set.
func (e *Error) WriteTo(c *concave.Ctx) error {
	if e.CurrentETag != "" {
		c.Header().Set("ETag", e.CurrentETag)
	}
	return c.JSON(e.HTTPStatus(), e.AsBody())
}

// ErrorHandler adapts WriteTo into the signature concave.Router.ErrorHandler
// expects, converting any error into a problem.Error first.
func ErrorHandler(c *concave.Ctx, err error) {
	pe := As(err)
	_ = pe.WriteTo(c)
}
