package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSignature_NormalizesVariants(t *testing.T) {
	// Textually different renditions of the same expression must collapse
	// to one signature.
	variants := []string{
		"SUM(revenue) / COUNT(DISTINCT user_id)",
		"sum(revenue)/count(distinct user_id)",
		"SUM( revenue ) / COUNT( DISTINCT   user_id )",
		"Sum(Revenue) / Count(Distinct User_Id)",
	}

	want := CanonicalSignature(variants[0])
	for _, v := range variants[1:] {
		assert.Equal(t, want, CanonicalSignature(v), "variant %q", v)
	}
}

func TestCanonicalSignature_SortsCommutativeOperands(t *testing.T) {
	a := CanonicalSignature("price * quantity")
	b := CanonicalSignature("quantity * price")
	assert.Equal(t, a, b)

	c := CanonicalSignature("sum(tax) + sum(net)")
	d := CanonicalSignature("sum(net) + sum(tax)")
	assert.Equal(t, c, d)
}

func TestCanonicalSignature_NonCommutativeOrderPreserved(t *testing.T) {
	a := CanonicalSignature("sum(revenue) / count(orders)")
	b := CanonicalSignature("count(orders) / sum(revenue)")
	assert.NotEqual(t, a, b)
}

func TestCanonicalSignature_PreservesStringLiterals(t *testing.T) {
	sig := CanonicalSignature("COUNT(CASE WHEN status = 'Active' THEN 1 END)")
	assert.Contains(t, sig, "'Active'")
}

func TestCanonicalSignature_DistinctExpressionsStayDistinct(t *testing.T) {
	assert.NotEqual(t,
		CanonicalSignature("sum(revenue)"),
		CanonicalSignature("avg(revenue)"))
}

func TestCanonicalPredicate_OrdersEqualitySides(t *testing.T) {
	a := CanonicalPredicate("orders.user_id = users.id")
	b := CanonicalPredicate("users.id = orders.user_id")
	assert.Equal(t, a, b)
}

func TestOrderTablePair(t *testing.T) {
	a, b := OrderTablePair("Users", "orders")
	assert.Equal(t, "orders", a)
	assert.Equal(t, "users", b)

	a, b = OrderTablePair("orders", "users")
	assert.Equal(t, "orders", a)
	assert.Equal(t, "users", b)
}

func TestFingerprint_IgnoresInputOrder(t *testing.T) {
	fp1 := Fingerprint(
		[]string{"orders", "users"},
		[]string{"orders|users|orders.user_id=users.id"},
		[]string{"sum(revenue)"},
	)
	fp2 := Fingerprint(
		[]string{"users", "orders"},
		[]string{"orders|users|orders.user_id=users.id"},
		[]string{"sum(revenue)"},
	)
	assert.Equal(t, fp1, fp2)
}

func TestFingerprint_SensitiveToShape(t *testing.T) {
	base := Fingerprint([]string{"orders"}, nil, []string{"sum(revenue)"})
	otherTable := Fingerprint([]string{"payments"}, nil, []string{"sum(revenue)"})
	otherMetric := Fingerprint([]string{"orders"}, nil, []string{"avg(revenue)"})

	require.NotEmpty(t, base)
	assert.NotEqual(t, base, otherTable)
	assert.NotEqual(t, base, otherMetric)
}
