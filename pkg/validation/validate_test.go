package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cadenceRequest struct {
	Cadence string `json:"cadence" validate:"required,oneof=none hourly daily weekly"`
}

func TestValidate(t *testing.T) {
	_, err := Validate(cadenceRequest{Cadence: "daily"})
	assert.NoError(t, err)

	_, err = Validate(cadenceRequest{Cadence: "monthly"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field 'Cadence': rule 'oneof'")
}

func TestValidateValue_CustomerID(t *testing.T) {
	assert.NoError(t, ValidateValue("123-456-7890", "customer_id"))
	assert.NoError(t, ValidateValue("1234567890", "customer_id"))
	assert.Error(t, ValidateValue("12-3456", "customer_id"))
}

func TestValidateMap(t *testing.T) {
	rules := map[string]string{
		"property_id":          "required,numeric",
		"service_account_json": "required,json",
		"note":                 "",
	}

	err := ValidateMap(map[string]any{"property_id": "42", "service_account_json": `{"a":1}`}, rules)
	assert.NoError(t, err)

	err = ValidateMap(map[string]any{"property_id": "abc"}, rules)
	require.Error(t, err)
	assert.Equal(t, "field 'property_id' failed rule 'numeric'; field 'service_account_json' failed rule 'required'", err.Error())
}

func TestBindRequest(t *testing.T) {
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"cadence":"hourly"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	bound, err := BindRequest[cadenceRequest](e.NewContext(req, httptest.NewRecorder()))
	require.NoError(t, err)
	assert.Equal(t, "hourly", bound.Cadence)

	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"cadence":""}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	_, err = BindRequest[cadenceRequest](e.NewContext(req, httptest.NewRecorder()))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}
